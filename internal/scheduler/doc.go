// Package scheduler назначает одобренным сообщениям время отправки.
//
// Планирование — жадный однопроходный алгоритм под блокировкой владельца:
// сообщения идут в порядке ранжирования, каждому выдаётся самый ранний момент,
// не нарушающий лимиты в час и в сутки (скользящие окна), паузу между
// отправками на один домен и рабочее окно в поясе получателя.
//
// Структура:
//   - scheduler.go — Scheduler: ScheduleBatch, Reschedule, Tick, Start/Stop
//   - slots.go     — журнал занятых слотов и поиск свободного момента
//   - window.go    — рабочее окно на cron-расписании
//   - timezone.go  — подсказка пояса по стране
//
// Использование:
//
//	sched := scheduler.New(scheduler.Config{
//	    Store:  store,
//	    Locker: locker,
//	    Conn:   conn, // опционально: события batch.approved
//	    Logger: logger,
//	})
//	sched.Start(ctx)
//	defer sched.Stop()
//
// Leader election делается в main.go через pg_try_advisory_lock:
// Start вызывает только лидер.
package scheduler
