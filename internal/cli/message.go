package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// NewMessageCmd создаёт группу команд для управления сообщениями.
func NewMessageCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "message",
		Short: "Inspect and edit messages",
	}

	cmd.AddCommand(
		newMessageShowCmd(clientFn, outputFn),
		newMessageEditCmd(clientFn, outputFn),
		newMessageRegenerateCmd(clientFn, outputFn),
		newMessageApproveCmd(clientFn, outputFn),
		newMessageCancelCmd(clientFn, outputFn),
		newMessageEventCmd(clientFn, outputFn),
	)

	return cmd
}

func newMessageShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show a message with its transition history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := clientFn().GetMessage(args[0])
			if err != nil {
				return err
			}

			outputFn().Message(m)
			return nil
		},
	}
}

func newMessageEditCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var subject, body string

	cmd := &cobra.Command{
		Use:   "edit ID",
		Short: "Edit subject or body before approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var req UpdateMessageRequest
			if cmd.Flags().Changed("subject") {
				req.Subject = &subject
			}
			if cmd.Flags().Changed("body") {
				req.Body = &body
			}
			if req.Subject == nil && req.Body == nil {
				return fmt.Errorf("nothing to update: set --subject or --body")
			}

			m, err := clientFn().UpdateMessage(args[0], req)
			if err != nil {
				return err
			}
			outputFn().Success(fmt.Sprintf("Message updated: %s", m.ID))
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "", "New subject")
	cmd.Flags().StringVar(&body, "body", "", "New body")

	return cmd
}

func newMessageRegenerateCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var requesterName string
	var interests, recipientInterests []string

	cmd := &cobra.Command{
		Use:   "regenerate ID",
		Short: "Regenerate message content",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			requester, err := json.Marshal(map[string]any{"name": requesterName, "interests": interests})
			if err != nil {
				return err
			}

			m, err := clientFn().RegenerateMessage(args[0], requester, recipientInterests)
			if err != nil {
				return err
			}
			out := outputFn()
			out.Success(fmt.Sprintf("Message regenerated: %s", m.ID))
			out.Message(m)
			return nil
		},
	}

	cmd.Flags().StringVar(&requesterName, "requester", "", "Requester name")
	cmd.Flags().StringSliceVar(&interests, "interest", nil, "Requester interest (repeatable)")
	cmd.Flags().StringSliceVar(&recipientInterests, "recipient-interest", nil, "Recipient interest (repeatable)")

	return cmd
}

func newMessageApproveCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "approve ID",
		Short: "Approve a held draft of an approved batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := clientFn().ApproveMessage(args[0])
			if err != nil {
				return err
			}
			outputFn().Success(fmt.Sprintf("Message %s is %s", m.ID, m.Status))
			return nil
		},
	}
}

func newMessageCancelCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel ID",
		Short: "Drop an unapproved message from its batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := clientFn().CancelMessage(args[0])
			if err != nil {
				return err
			}
			outputFn().Success(fmt.Sprintf("Message %s is %s", m.ID, m.Status))
			return nil
		},
	}
}

func newMessageEventCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "event TRACKING_KEY EVENT",
		Short: "Record a tracking event (delivered, opened, replied, bounced)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := clientFn().RecordEvent(args[0], args[1])
			if err != nil {
				return err
			}
			outputFn().Success(fmt.Sprintf("Message %s is %s", m.ID, m.Status))
			return nil
		},
	}
}
