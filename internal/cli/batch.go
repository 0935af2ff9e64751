package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// NewBatchCmd создаёт группу команд для управления батчами.
func NewBatchCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Manage outreach batches",
	}

	cmd.AddCommand(
		newBatchListCmd(clientFn, outputFn),
		newBatchCreateCmd(clientFn, outputFn),
		newBatchShowCmd(clientFn, outputFn),
		newBatchSubmitCmd(clientFn, outputFn),
		newBatchApproveCmd(clientFn, outputFn),
		newBatchCancelCmd(clientFn, outputFn),
		newBatchDeleteCmd(clientFn, outputFn),
		newBatchMessagesCmd(clientFn, outputFn),
	)

	return cmd
}

func newBatchListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var owner string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List batches of an owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			batches, err := clientFn().ListBatches(owner, limit)
			if err != nil {
				return err
			}
			outputFn().Batches(batches)
			return nil
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "Owner ID (required)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of results")
	cmd.MarkFlagRequired("owner")

	return cmd
}

// batchFile — входной файл create: отправитель и получатели.
type batchFile struct {
	Requester  json.RawMessage `json:"requester"`
	Recipients json.RawMessage `json:"recipients"`
}

func readBatchFile(path string, stdin io.Reader) (*batchFile, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var f batchFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(f.Recipients) == 0 {
		return nil, fmt.Errorf("%s: recipients are required", path)
	}
	return &f, nil
}

func newBatchCreateCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var owner, name, file string
	var maxPerHour, maxPerDay int
	var minInterval time.Duration

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Rank recipients and create a draft batch",
		Long: `Create a draft batch from a JSON file:

  {"requester": {"name": "...", "interests": ["..."]},
   "recipients": [{"address": "a@b.org", "name": "...", "interests": ["..."]}]}

Use --file - to read from stdin.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := readBatchFile(file, cmd.InOrStdin())
			if err != nil {
				return err
			}

			req := CreateBatchRequest{
				OwnerID:    owner,
				Name:       name,
				Requester:  f.Requester,
				Recipients: f.Recipients,
			}
			var pol PolicyInput
			set := false
			if cmd.Flags().Changed("max-per-hour") {
				pol.MaxPerHour, set = &maxPerHour, true
			}
			if cmd.Flags().Changed("max-per-day") {
				pol.MaxPerDay, set = &maxPerDay, true
			}
			if cmd.Flags().Changed("min-interval") {
				sec := int(minInterval / time.Second)
				pol.MinIntervalSeconds, set = &sec, true
			}
			if set {
				req.Policy = &pol
			}

			b, err := clientFn().CreateBatch(req)
			if err != nil {
				return err
			}

			out := outputFn()
			out.Success(fmt.Sprintf("Batch created: %s", b.ID))
			out.Batch(b)
			return nil
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "Owner ID (required)")
	cmd.Flags().StringVar(&name, "name", "", "Batch name")
	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON file with requester and recipients (required)")
	cmd.Flags().IntVar(&maxPerHour, "max-per-hour", 0, "Max sends per rolling hour")
	cmd.Flags().IntVar(&maxPerDay, "max-per-day", 0, "Max sends per rolling day")
	cmd.Flags().DurationVar(&minInterval, "min-interval", 0, "Min interval between sends to one domain")
	cmd.MarkFlagRequired("owner")
	cmd.MarkFlagRequired("file")

	return cmd
}

func newBatchShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show batch status and counters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := clientFn().GetBatch(args[0])
			if err != nil {
				return err
			}

			outputFn().Counters(b)
			return nil
		},
	}
}

func newBatchSubmitCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "submit ID",
		Short: "Submit a draft batch for approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := clientFn().SubmitBatch(args[0])
			if err != nil {
				return err
			}
			outputFn().Success(fmt.Sprintf("Batch %s is %s", b.ID, b.Status))
			return nil
		},
	}
}

func newBatchApproveCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var messageIDs []string

	cmd := &cobra.Command{
		Use:   "approve ID",
		Short: "Approve a batch (all messages or --message subset)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := clientFn().ApproveBatch(args[0], messageIDs)
			if err != nil {
				return err
			}
			out := outputFn()
			out.Success(fmt.Sprintf("Batch %s approved: %d messages, %d cancelled",
				b.ID, b.Counters.Approved, b.Counters.Cancelled))
			if held := b.Counters.Draft + b.Counters.PendingApproval; held > 0 {
				out.Success(fmt.Sprintf("%d drafts without content are held: regenerate, then `message approve` or `message cancel`", held))
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&messageIDs, "message", nil, "Approve only these message IDs (repeatable)")

	return cmd
}

func newBatchCancelCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var owner string

	cmd := &cobra.Command{
		Use:   "cancel ID",
		Short: "Cancel a batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := clientFn().CancelBatch(args[0], owner)
			if err != nil {
				return err
			}
			outputFn().Success(fmt.Sprintf("Batch cancelled: %s (%d in flight)", b.ID, b.Counters.Sending))
			return nil
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "Owner ID (required)")
	cmd.MarkFlagRequired("owner")

	return cmd
}

func newBatchDeleteCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var owner string

	cmd := &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a batch and its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := clientFn().DeleteBatch(args[0], owner); err != nil {
				return err
			}
			outputFn().Success(fmt.Sprintf("Batch deleted: %s", args[0]))
			return nil
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "Owner ID (required)")
	cmd.MarkFlagRequired("owner")

	return cmd
}

func newBatchMessagesCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var opts ListMessagesOpts

	cmd := &cobra.Command{
		Use:   "messages ID",
		Short: "List messages of a batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			msgs, err := clientFn().ListMessages(args[0], opts)
			if err != nil {
				return err
			}

			outputFn().Messages(msgs)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Status, "status", "", "Filter by status (draft, approved, scheduled, sent, failed, ...)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "Maximum number of results")
	cmd.Flags().IntVar(&opts.Offset, "offset", 0, "Skip this many messages")

	return cmd
}
