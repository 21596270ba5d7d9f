package strategy

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"

	"github.com/shaiso/Conveyor/internal/domain"
)

// Kind — имя стратегии.
type Kind string

// Стратегии.
const (
	KindFIFO           Kind = "fifo"
	KindLIFO           Kind = "lifo"
	KindPriority       Kind = "priority"
	KindWeightedRandom Kind = "weighted_random"
)

// DefaultTopK — размер окна кандидатов для WeightedRandom.
const DefaultTopK = 10

// ErrUnknownStrategy — неизвестное имя стратегии.
var ErrUnknownStrategy = errors.New("unknown scheduling strategy")

// Strategy — порядок и правило выбора task при claim.
type Strategy interface {
	// Kind возвращает имя стратегии.
	Kind() Kind

	// OrderBy возвращает SQL-выражение ORDER BY (без самих слов ORDER BY).
	OrderBy() string

	// Less задаёт тот же порядок для in-memory хранилища.
	Less(a, b *domain.Task) bool

	// CandidateLimit — сколько первых кандидатов передавать в Select.
	CandidateLimit() int

	// Select выбирает индекс task среди упорядоченных кандидатов.
	// candidates не пустой.
	Select(candidates []domain.Task) int
}

// Parse создаёт стратегию по имени. Пустое имя — FIFO.
func Parse(name string) (Strategy, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(name))) {
	case "", KindFIFO:
		return FIFO(), nil
	case KindLIFO:
		return LIFO(), nil
	case KindPriority:
		return Priority(), nil
	case KindWeightedRandom, "weighted":
		return NewWeightedRandom(DefaultTopK, nil), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
}

// ordered — детерминированная стратегия: всегда берёт первого кандидата.
type ordered struct {
	kind    Kind
	orderBy string
	less    func(a, b *domain.Task) bool
}

func (o ordered) Kind() Kind                  { return o.kind }
func (o ordered) OrderBy() string             { return o.orderBy }
func (o ordered) Less(a, b *domain.Task) bool { return o.less(a, b) }
func (o ordered) CandidateLimit() int         { return 1 }
func (o ordered) Select(_ []domain.Task) int  { return 0 }

// FIFO — старые tasks первыми.
func FIFO() Strategy {
	return ordered{kind: KindFIFO, orderBy: "created_at ASC, id ASC", less: olderFirst}
}

// LIFO — новые tasks первыми. Старые могут голодать.
func LIFO() Strategy {
	return ordered{
		kind:    KindLIFO,
		orderBy: "created_at DESC, id DESC",
		less:    func(a, b *domain.Task) bool { return olderFirst(b, a) },
	}
}

// Priority — меньшее значение priority первым, при равенстве — FIFO.
func Priority() Strategy {
	return ordered{kind: KindPriority, orderBy: priorityOrderBy, less: byPriority}
}

const priorityOrderBy = "priority ASC, created_at ASC, id ASC"

func olderFirst(a, b *domain.Task) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return bytes.Compare(a.ID[:], b.ID[:]) < 0
}

func byPriority(a, b *domain.Task) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return olderFirst(a, b)
}

// WeightedRandom выбирает среди top-K кандидатов по приоритету случайно,
// с весом 1 / (priority - min_priority + 1).
// Срочные tasks выигрывают чаще, но менее срочные тоже получают шанс.
type WeightedRandom struct {
	topK int

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewWeightedRandom создаёт стратегию. rnd == nil — глобальный генератор.
func NewWeightedRandom(topK int, rnd *rand.Rand) *WeightedRandom {
	if topK <= 0 {
		topK = DefaultTopK
	}
	return &WeightedRandom{topK: topK, rnd: rnd}
}

func (w *WeightedRandom) Kind() Kind                  { return KindWeightedRandom }
func (w *WeightedRandom) OrderBy() string             { return priorityOrderBy }
func (w *WeightedRandom) Less(a, b *domain.Task) bool { return byPriority(a, b) }
func (w *WeightedRandom) CandidateLimit() int         { return w.topK }

// Select выбирает кандидата пропорционально весу.
func (w *WeightedRandom) Select(candidates []domain.Task) int {
	if len(candidates) <= 1 {
		return 0
	}

	minPriority := candidates[0].Priority
	for _, c := range candidates[1:] {
		minPriority = min(minPriority, c.Priority)
	}

	weights := make([]float64, len(candidates))
	var total float64
	for i, c := range candidates {
		weights[i] = 1 / float64(c.Priority-minPriority+1)
		total += weights[i]
	}

	r := w.next() * total
	for i, wt := range weights {
		if r < wt {
			return i
		}
		r -= wt
	}
	return len(candidates) - 1
}

func (w *WeightedRandom) next() float64 {
	if w.rnd == nil {
		return rand.Float64()
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rnd.Float64()
}
