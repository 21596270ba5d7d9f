package worker

import (
	"context"
	"time"

	"github.com/shaiso/Conveyor/internal/domain"
)

// delaySteps — сколько раз DelayHandler сообщает прогресс.
const delaySteps = 4

// DelayHandler — handler для task типа "delay".
//
// Ожидает duration_sec секунд (default: 1), сообщая прогресс
// равными долями. Поддерживает отмену через context.
type DelayHandler struct{}

// Handle выполняет задержку.
func (h *DelayHandler) Handle(ctx context.Context, task *domain.Task, progress ProgressReporter) (map[string]any, error) {
	duration := getDuration(task.Payload, "duration_sec", time.Second)
	step := duration / delaySteps

	timer := time.NewTimer(step)
	defer timer.Stop()

	for i := 1; i <= delaySteps; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
		if i < delaySteps {
			// Прогресс информационный: ошибку отчёта не считаем ошибкой task
			_ = progress(ctx, i*100/delaySteps, "waiting")
			timer.Reset(step)
		}
	}

	return map[string]any{"delayed_sec": duration.Seconds()}, nil
}

// Echo возвращает payload как result. Полезен для проверки конвейера.
func Echo(_ context.Context, task *domain.Task, _ ProgressReporter) (map[string]any, error) {
	result := make(map[string]any, len(task.Payload))
	for k, v := range task.Payload {
		result[k] = v
	}
	return result, nil
}
