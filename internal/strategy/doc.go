// Package strategy описывает порядок выбора task при claim.
//
// Стратегия — закрытый набор вариантов за одним интерфейсом Strategy:
//   - FIFO — created_at ASC, id ASC
//   - LIFO — created_at DESC, id DESC
//   - Priority — priority ASC, created_at ASC, id ASC
//   - WeightedRandom — среди top-K по приоритету случайный выбор
//     с весом, обратно пропорциональным приоритету
//
// Стратегия ничего не меняет: она даёт порядок (OrderBy для SQL, Less для
// in-memory хранилища) и правило выбора среди упорядоченных кандидатов.
// Атомарность claim обеспечивает хранилище.
package strategy
