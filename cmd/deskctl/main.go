package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
)

var (
	serverBase string
	natsURL    string
)

func main() {
	root := &cobra.Command{
		Use:           "deskctl",
		Short:         "Operate deskd virtual-desktop sandboxes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&serverBase, "server", "http://localhost:8080", "deskd API base URL")
	root.PersistentFlags().StringVar(&natsURL, "nats", nats.DefaultURL, "NATS URL for the events command")

	root.AddCommand(createCmd(), getCmd(), listCmd(), terminateCmd(), resolveCmd(), eventsCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func createCmd() *cobra.Command {
	var owner, image string
	var ttlMs int64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Request a new desktop sandbox",
		RunE: func(cmd *cobra.Command, args []string) error {
			if owner == "" {
				return fmt.Errorf("--owner required")
			}
			body := map[string]any{"owner": owner}
			if image != "" {
				body["image"] = image
			}
			if ttlMs != 0 {
				body["ttl_ms"] = ttlMs
			}
			bs, _ := json.Marshal(body)
			resp, err := http.Post(serverBase+"/desktops", "application/json", bytes.NewReader(bs))
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			return printBody(resp.Body)
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owning principal id")
	cmd.Flags().StringVar(&image, "image", "", "desktop image (server default when empty)")
	cmd.Flags().Int64Var(&ttlMs, "ttl-ms", 0, "lease in milliseconds (server default when 0)")
	return cmd
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get ID",
		Short: "Show one desktop's status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Get(serverBase + "/desktops/" + args[0])
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			return printBody(resp.Body)
		},
	}
}

func listCmd() *cobra.Command {
	var phase string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List desktops",
		RunE: func(cmd *cobra.Command, args []string) error {
			url := serverBase + "/desktops"
			if phase != "" {
				url += "?phase=" + phase
			}
			resp, err := http.Get(url)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			return printBody(resp.Body)
		},
	}
	cmd.Flags().StringVar(&phase, "phase", "", "filter by observed phase")
	return cmd
}

func terminateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "terminate ID",
		Short: "Request teardown of a desktop",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := http.NewRequest(http.MethodDelete, serverBase+"/desktops/"+args[0], nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			return printBody(resp.Body)
		},
	}
}

func resolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve ID",
		Short: "Resolve a desktop id to its session endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Get(serverBase + "/resolve/" + args[0])
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			return printBody(resp.Body)
		},
	}
}

func eventsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "events",
		Short: "Tail desktop lifecycle events from NATS",
		RunE: func(cmd *cobra.Command, args []string) error {
			nc, err := nats.Connect(natsURL, nats.Name("deskctl"))
			if err != nil {
				return err
			}
			defer nc.Drain()

			sub, err := nc.Subscribe("desktops.>", func(m *nats.Msg) {
				fmt.Printf("%s %s\n", m.Subject, string(m.Data))
			})
			if err != nil {
				return err
			}
			defer sub.Unsubscribe()

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
			<-stop
			return nil
		},
	}
}

func printBody(r io.Reader) error {
	var v any
	if err := json.NewDecoder(r).Decode(&v); err != nil {
		return err
	}
	out, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(out))
	return nil
}
