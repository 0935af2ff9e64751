package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
)

// Output печатает батчи и сообщения таблицей или JSON (--json).
// Данные идут в stdout, статусные строки в stderr, чтобы `--json | jq` работал.
type Output struct {
	jsonMode bool
	w        io.Writer
	errW     io.Writer
}

// NewOutput создаёт Output поверх stdout и stderr.
func NewOutput(jsonMode bool) *Output {
	return NewOutputTo(os.Stdout, os.Stderr, jsonMode)
}

// NewOutputTo создаёт Output с заданными writer'ами.
func NewOutputTo(w, errW io.Writer, jsonMode bool) *Output {
	return &Output{jsonMode: jsonMode, w: w, errW: errW}
}

var batchHeaders = []string{"ID", "NAME", "STATUS", "TOTAL", "SENT", "FAILED", "CREATED"}

func batchRow(b *BatchResponse) []string {
	c := b.Counters
	return []string{
		b.ID, b.Name, b.Status,
		strconv.Itoa(c.Total),
		strconv.Itoa(c.Sent + c.Delivered + c.Opened + c.Replied),
		strconv.Itoa(c.Failed + c.Bounced),
		b.CreatedAt,
	}
}

// Batches выводит список батчей.
func (o *Output) Batches(batches []BatchResponse) {
	if o.jsonMode {
		o.JSON(batches)
		return
	}
	rows := make([][]string, len(batches))
	for i := range batches {
		rows[i] = batchRow(&batches[i])
	}
	o.Table(batchHeaders, rows)
}

// Batch выводит одну строку батча.
func (o *Output) Batch(b *BatchResponse) {
	if o.jsonMode {
		o.JSON(b)
		return
	}
	o.Table(batchHeaders, [][]string{batchRow(b)})
}

// Counters выводит счётчики батча по статусам. DRAFT включает pending_approval.
func (o *Output) Counters(b *BatchResponse) {
	if o.jsonMode {
		o.JSON(b)
		return
	}
	c := b.Counters
	o.Table(
		[]string{"ID", "STATUS", "TOTAL", "DRAFT", "APPROVED", "SCHEDULED", "SENDING", "SENT", "DELIVERED", "OPENED", "REPLIED", "FAILED", "BOUNCED", "CANCELLED"},
		[][]string{{
			b.ID, b.Status,
			strconv.Itoa(c.Total), strconv.Itoa(c.Draft + c.PendingApproval), strconv.Itoa(c.Approved),
			strconv.Itoa(c.Scheduled), strconv.Itoa(c.Sending), strconv.Itoa(c.Sent),
			strconv.Itoa(c.Delivered), strconv.Itoa(c.Opened), strconv.Itoa(c.Replied),
			strconv.Itoa(c.Failed), strconv.Itoa(c.Bounced), strconv.Itoa(c.Cancelled),
		}},
	)
}

// Messages выводит сообщения батча. ERROR — вид последней ошибки.
func (o *Output) Messages(msgs []MessageResponse) {
	if o.jsonMode {
		o.JSON(msgs)
		return
	}
	rows := make([][]string, len(msgs))
	for i, m := range msgs {
		var kind string
		if m.LastError != nil {
			kind = m.LastError.Kind
		}
		rows[i] = []string{
			m.ID, m.Recipient.Address,
			strconv.FormatFloat(m.MatchScore, 'f', 1, 64),
			m.Status, m.ScheduledTime, strconv.Itoa(m.RetryCount), kind,
		}
	}
	o.Table([]string{"ID", "RECIPIENT", "SCORE", "STATUS", "SCHEDULED", "RETRIES", "ERROR"}, rows)
}

// Message выводит письмо целиком и его журнал переходов.
func (o *Output) Message(m *MessageResponse) {
	if o.jsonMode {
		o.JSON(m)
		return
	}
	fmt.Fprintf(o.w, "To:      %s\nSubject: %s\nStatus:  %s (retries %d)\n",
		m.Recipient.Address, m.Subject, m.Status, m.RetryCount)
	if m.LastError != nil {
		fmt.Fprintf(o.w, "Error:   %s: %s\n", m.LastError.Kind, m.LastError.Message)
	}
	fmt.Fprintf(o.w, "\n%s\n\n", m.Body)

	rows := make([][]string, len(m.History))
	for i, t := range m.History {
		rows[i] = []string{t.At, t.From, t.To, t.Note}
	}
	o.Table([]string{"AT", "FROM", "TO", "NOTE"}, rows)
}

// Table выводит таблицу с подчёркнутыми заголовками.
func (o *Output) Table(headers []string, rows [][]string) {
	tw := tabwriter.NewWriter(o.w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(headers, "\t"))

	under := make([]string, len(headers))
	for i, h := range headers {
		under[i] = strings.Repeat("-", len(h))
	}
	fmt.Fprintln(tw, strings.Join(under, "\t"))

	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	tw.Flush()
}

// JSON выводит v с отступами.
func (o *Output) JSON(v any) {
	enc := json.NewEncoder(o.w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		o.Error(err.Error())
	}
}

// Success пишет статусную строку в stderr.
func (o *Output) Success(msg string) {
	fmt.Fprintln(o.errW, msg)
}

// Error пишет ошибку в stderr.
func (o *Output) Error(msg string) {
	fmt.Fprintln(o.errW, "Error: "+msg)
}
