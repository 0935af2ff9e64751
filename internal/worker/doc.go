// Package worker доставляет запланированные сообщения.
//
// # Обзор
//
// Worker — stateless компонент: пул из N горутин получает сообщения,
// у которых наступил scheduled_time, захватывает их, вызывает транспорт
// и записывает исход. Экземпляры масштабируются горизонтально: от двойной
// отправки защищает захват, а не общая блокировка.
//
//	w := worker.New(worker.Config{
//	    Store:       store,
//	    Transport:   tr,
//	    Rescheduler: sched,
//	    Events:      publisher,
//	    Concurrency: 8,
//	    Logger:      logger,
//	})
//	w.Start(ctx)
//	defer w.Stop()
//
// # Захват
//
// Захват — compare-and-swap SCHEDULED → SENDING в транзакции хранилища
// с токеном и сроком. Если сообщение уже не в SCHEDULED, воркер его пропускает
// (outreach_claim_conflicts_total). Исход попытки записывается только при
// совпадении токена.
//
// # Исходы
//
//   - успех → SENT
//   - временная ошибка → backoff с jitter, затем Rescheduler подбирает слот,
//     не нарушающий лимиты; при исчерпании бюджета → FAILED;
//     если батч отменён во время попытки → CANCELLED
//   - постоянная ошибка → FAILED, bounce → BOUNCED
//
// # Reaper
//
// Раз в ReapInterval (cron @every) сообщения с истёкшим захватом
// возвращаются в SCHEDULED. Это не считается повтором.
package worker
