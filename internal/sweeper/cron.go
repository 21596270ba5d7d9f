package sweeper

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser — парсер расписаний: cron-выражения с необязательным полем секунд
// и дескрипторы (@every 15s, @hourly).
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule разбирает RECLAIM_SCHEDULE.
//
// Принимает cron-выражение из 5 полей ("*/1 * * * *") или из 6 полей
// с секундами в начале ("*/30 * * * * *"), дескриптор ("@every 15s")
// или просто длительность ("15s").
func ParseSchedule(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty schedule")
	}
	if d, err := time.ParseDuration(expr); err == nil {
		if d <= 0 {
			return nil, fmt.Errorf("schedule interval must be positive, got %s", d)
		}
		return cron.Every(d), nil
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", expr, err)
	}
	return schedule, nil
}

// cronLogger адаптирует slog к интерфейсу cron.Logger.
type cronLogger struct {
	s *Sweeper
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
