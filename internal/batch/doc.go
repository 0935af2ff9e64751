// Package batch управляет жизненным циклом батчей рассылки.
//
// Controller — точка входа для API и CLI:
//   - CreateBatch ранжирует получателей, генерирует письма и создаёт черновик
//   - SubmitForApproval и ApproveBatch проводят батч через одобрение
//   - ApproveMessage и CancelMessage решают судьбу отдельных черновиков
//   - CancelBatch и DeleteBatch останавливают и удаляют батч
//   - RecordEvent принимает tracking-события (delivered, opened, replied, bounced)
//
// Все изменения сообщений идут через repo.UpdateMessage / repo.UpdateBatch,
// поэтому счётчики батча пересчитываются в той же транзакции.
package batch
