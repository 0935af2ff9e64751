// Package mq — события конвейера рассылки поверх RabbitMQ.
//
// События:
//   - batch.approved   — батч одобрен, планировщик назначает слоты
//   - batch.finished   — батч завершён (completed, failed или cancelled)
//   - message.finished — сообщение вышло из доставки (sent, failed, bounced, cancelled)
//
// События — ускоритель, а не источник истины: планировщик и воркеры
// дополнительно опрашивают хранилище, поэтому потеря события только задерживает работу.
package mq
