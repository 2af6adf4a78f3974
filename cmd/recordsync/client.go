package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/astromechza/recordsync/pkg/client"
	"github.com/astromechza/recordsync/pkg/record"
)

func addClientFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("server", "http://127.0.0.1:8080", "base url of the record service")
	flags.Duration("timeout", client.DefaultTimeout, "per request timeout")
	flags.Duration("reconnect", 0, "delay before redialing a dropped duplex connection, 0 disables it")
}

func addRecordFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.Int("id", 0, "record id")
	flags.String("name", "", "record name")
	flags.Float64("value", 0, "record value")
	flags.Int64("timestamp", 0, "epoch millis, 0 uses the current time")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("name")
}

func recordFromFlags(cmd *cobra.Command) (record.Record, error) {
	flags := cmd.Flags()
	var r record.Record
	var err error
	if r.ID, err = flags.GetInt("id"); err != nil {
		return r, err
	}
	if r.Name, err = flags.GetString("name"); err != nil {
		return r, err
	}
	if r.Value, err = flags.GetFloat64("value"); err != nil {
		return r, err
	}
	if r.Timestamp, err = flags.GetInt64("timestamp"); err != nil {
		return r, err
	}
	if r.Timestamp == 0 {
		r.Timestamp = time.Now().UnixMilli()
	}
	return r, nil
}

func (a *app) newAgent() (*client.Agent, error) {
	return client.New(client.Options{
		BaseURL:   a.v.GetString("server"),
		Timeout:   a.v.GetDuration("timeout"),
		Reconnect: a.v.GetDuration("reconnect"),
		Logger:    a.logger,
	})
}

// withAgent runs fn against a fresh agent and releases it afterwards.
func (a *app) withAgent(fn func(*client.Agent) error) error {
	agent, err := a.newAgent()
	if err != nil {
		return err
	}
	defer agent.Close()
	return fn(agent)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeStatus(w io.Writer, st client.Status) error {
	_, err := fmt.Fprintln(w, st.Message)
	return err
}

func newPingCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Check that the service answers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withAgent(func(agent *client.Agent) error {
				body, err := agent.CheckLiveness(cmd.Context())
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), body)
				return err
			})
		},
	}
	addClientFlags(cmd)
	return cmd
}

func newListCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Print every record in insertion order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withAgent(func(agent *client.Agent) error {
				records, err := agent.FetchAll(cmd.Context())
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), records)
			})
		},
	}
	addClientFlags(cmd)
	return cmd
}

func parseID(raw string) (int, error) {
	id, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return id, nil
}

func newGetCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Print one record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return a.withAgent(func(agent *client.Agent) error {
				r, err := agent.FetchOne(cmd.Context(), id)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), r)
			})
		},
	}
	addClientFlags(cmd)
	return cmd
}

func newSubmitCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Add a record, or replace it with --replace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := recordFromFlags(cmd)
			if err != nil {
				return err
			}
			replace, _ := cmd.Flags().GetBool("replace")
			return a.withAgent(func(agent *client.Agent) error {
				call := agent.Submit
				if replace {
					call = agent.Update
				}
				st, err := call(cmd.Context(), r)
				if err != nil {
					return err
				}
				return writeStatus(cmd.OutOrStdout(), st)
			})
		},
	}
	addClientFlags(cmd)
	addRecordFlags(cmd)
	cmd.Flags().Bool("replace", false, "replace an existing record instead of adding one")
	return cmd
}

func newDeleteCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Remove one record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return a.withAgent(func(agent *client.Agent) error {
				st, err := agent.Delete(cmd.Context(), id)
				if err != nil {
					return err
				}
				return writeStatus(cmd.OutOrStdout(), st)
			})
		},
	}
	addClientFlags(cmd)
	return cmd
}

func newBroadcastCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "broadcast",
		Short: "Push a record to every duplex client without storing it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := recordFromFlags(cmd)
			if err != nil {
				return err
			}
			return a.withAgent(func(agent *client.Agent) error {
				st, err := agent.Broadcast(cmd.Context(), r)
				if err != nil {
					return err
				}
				return writeStatus(cmd.OutOrStdout(), st)
			})
		},
	}
	addClientFlags(cmd)
	addRecordFlags(cmd)
	return cmd
}

func newWatchCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print pushed records as they arrive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			count, _ := cmd.Flags().GetInt("count")
			return a.withAgent(func(agent *client.Agent) error {
				return watch(cmd.Context(), agent, count, cmd.OutOrStdout())
			})
		},
	}
	addClientFlags(cmd)
	cmd.Flags().Int("count", 0, "exit after this many records, 0 runs until interrupted")
	return cmd
}

func watch(ctx context.Context, agent *client.Agent, count int, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	received := make(chan record.Record)
	agent.ConnectDuplex(func(r record.Record) {
		select {
		case received <- r:
		case <-ctx.Done():
		}
	})

	enc := json.NewEncoder(out)
	seen := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-agent.Done():
			return fmt.Errorf("duplex connection ended")
		case r := <-received:
			if err := enc.Encode(r); err != nil {
				return err
			}
			seen++
			if count > 0 && seen >= count {
				return nil
			}
		}
	}
}
