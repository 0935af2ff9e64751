// Package cli реализует инструмент командной строки outreach.
//
// CLI работает через HTTP API и не импортирует внутренние пакеты системы.
//
// # Client
//
// HTTP-клиент для Outreach API: запросы, разбор DataResponse/ListResponse/ErrorResponse.
//
//	client := cli.NewClient("http://localhost:8080")
//	batches, err := client.ListBatches("alice", 20)
//
// # Output
//
// Таблицы (text/tabwriter) по умолчанию, JSON с флагом --json.
// Данные идут в stdout, сообщения в stderr:
//
//	outreach batch list --owner alice --json | jq .
//
// # Commands
//
//   - batch: list, create, show, submit, approve, cancel, delete, messages
//   - message: show, edit, regenerate, event
//
// Группы создаются фабриками (NewBatchCmd, NewMessageCmd), принимающими
// clientFn и outputFn: Client и Output создаются после разбора PersistentFlags.
package cli
