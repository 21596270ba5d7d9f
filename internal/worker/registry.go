package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shaiso/Conveyor/internal/domain"
)

// Handler выполняет task конкретного типа.
//
// Возвращённый result сохраняется в task.result. Ошибка приводит к Fail
// (retry с backoff); ошибка, обёрнутая Permanent, — к немедленному FAILED.
// ctx отменяется при принудительной остановке воркера.
type Handler interface {
	Handle(ctx context.Context, task *domain.Task, progress ProgressReporter) (map[string]any, error)
}

// HandlerFunc — адаптер функции к Handler.
type HandlerFunc func(ctx context.Context, task *domain.Task, progress ProgressReporter) (map[string]any, error)

func (f HandlerFunc) Handle(ctx context.Context, task *domain.Task, progress ProgressReporter) (map[string]any, error) {
	return f(ctx, task, progress)
}

// ProgressReporter сообщает прогресс выполнения (0..100).
// Прогресс информационный: ошибку отчёта handler может игнорировать.
type ProgressReporter func(ctx context.Context, percent int, message string) error

// HandlerInfo — метаданные зарегистрированного handler'а.
type HandlerInfo struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Version     string `json:"version,omitempty"`
}

type registration struct {
	info    HandlerInfo
	handler Handler
}

// RegisterOption настраивает Register.
type RegisterOption func(*registerOptions)

type registerOptions struct {
	description   string
	version       string
	allowOverride bool
}

// WithDescription задаёт описание handler'а.
func WithDescription(d string) RegisterOption {
	return func(o *registerOptions) { o.description = d }
}

// WithVersion задаёт версию handler'а.
func WithVersion(v string) RegisterOption {
	return func(o *registerOptions) { o.version = v }
}

// AllowOverride разрешает заменить уже зарегистрированный handler.
func AllowOverride() RegisterOption {
	return func(o *registerOptions) { o.allowOverride = true }
}

// Registry — реестр handler'ов по типу task.
//
// Жизненный цикл: NewRegistry → Register* → Dispatch*. Реестр передаётся
// в Worker явно, глобального состояния нет. Потокобезопасен.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]registration
}

// NewRegistry создаёт пустой реестр.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]registration)}
}

// Register добавляет handler для типа task.
// Повторная регистрация без AllowOverride возвращает ErrAlreadyRegistered.
func (r *Registry) Register(taskType string, h Handler, opts ...RegisterOption) error {
	if taskType == "" {
		return fmt.Errorf("register handler: empty task type")
	}
	if h == nil {
		return fmt.Errorf("register handler %q: nil handler", taskType)
	}
	var o registerOptions
	for _, opt := range opts {
		opt(&o)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[taskType]; exists && !o.allowOverride {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, taskType)
	}
	r.handlers[taskType] = registration{
		info: HandlerInfo{
			Type:        taskType,
			Description: o.description,
			Version:     o.version,
		},
		handler: h,
	}
	return nil
}

// MustRegister — Register, паникующий при ошибке. Для регистрации при старте.
func (r *Registry) MustRegister(taskType string, h Handler, opts ...RegisterOption) {
	if err := r.Register(taskType, h, opts...); err != nil {
		panic(err)
	}
}

// Has проверяет, зарегистрирован ли тип.
func (r *Registry) Has(taskType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[taskType]
	return ok
}

// Types возвращает отсортированный список зарегистрированных типов.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Describe возвращает метаданные всех handler'ов, отсортированные по типу.
func (r *Registry) Describe() []HandlerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]HandlerInfo, 0, len(r.handlers))
	for _, reg := range r.handlers {
		infos = append(infos, reg.info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Type < infos[j].Type })
	return infos
}

// Dispatch вызывает handler для task.Type.
// Если handler'а нет, возвращает *HandlerNotRegisteredError (errors.Is ErrHandlerNotRegistered).
func (r *Registry) Dispatch(ctx context.Context, task *domain.Task, progress ProgressReporter) (map[string]any, error) {
	r.mu.RLock()
	reg, ok := r.handlers[task.Type]
	r.mu.RUnlock()

	if !ok {
		return nil, &HandlerNotRegisteredError{Type: task.Type, Known: r.Types()}
	}
	if progress == nil {
		progress = func(context.Context, int, string) error { return nil }
	}
	return reg.handler.Handle(ctx, task, progress)
}

// RegisterBuiltins регистрирует встроенные handler'ы: http, delay, echo.
func RegisterBuiltins(r *Registry) error {
	builtins := []struct {
		taskType string
		handler  Handler
		desc     string
	}{
		{"http", &HTTPHandler{}, "performs an HTTP request described by the payload"},
		{"delay", &DelayHandler{}, "sleeps for duration_sec, reporting progress"},
		{"echo", HandlerFunc(Echo), "returns the payload as result"},
	}
	for _, b := range builtins {
		if err := r.Register(b.taskType, b.handler, WithDescription(b.desc), WithVersion("1")); err != nil {
			return err
		}
	}
	return nil
}
