// Command conregctl is the cluster admin CLI: init/add-learner/promote/
// remove-node/status/monitor subcommands driving a conregd node's admin
// HTTP API, per spec §6. Exit code is 0 on success, non-zero with an
// stderr message on failure.
//
// Grounded on the teacher's cobra-based cmd/dcache/main.go flag/PreRunE
// shape, generalized to a multi-subcommand admin tool instead of a single
// long-running daemon command.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/conreg/conreg/internal/cluster"
	"github.com/conreg/conreg/internal/model"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/valyala/fasthttp"
)

func main() {
	root := &cobra.Command{Use: "conregctl", Short: "Administer a conreg cluster"}
	root.PersistentFlags().String("server", "127.0.0.1:9000", "Address of a conreg node to contact.")
	root.PersistentFlags().String("token", "", "Admin bearer token.")
	_ = viper.BindPFlags(root.PersistentFlags())

	root.AddCommand(initCmd(), addLearnerCmd(), promoteCmd(), removeNodeCmd(), statusCmd(), monitorCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type client struct {
	server string
	token  string
	hc     *fasthttp.Client
}

func newClient() *client {
	return &client{server: viper.GetString("server"), token: viper.GetString("token"), hc: &fasthttp.Client{}}
}

func (c *client) do(method, path string, body any) (model.Envelope, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(fmt.Sprintf("http://%s%s", c.server, path))
	req.Header.SetMethod(method)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return model.Envelope{}, err
		}
		req.Header.SetContentType("application/json")
		req.SetBody(b)
	}

	if err := c.hc.DoTimeout(req, resp, 10*time.Second); err != nil {
		return model.Envelope{}, fmt.Errorf("request to %s: %w", c.server, err)
	}

	var env model.Envelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return model.Envelope{}, fmt.Errorf("decode response: %w", err)
	}
	if env.Code != 0 {
		return env, fmt.Errorf("server error: %s", env.Msg)
	}
	return env, nil
}

type memberFlag struct {
	id, addr string
}

func initCmd() *cobra.Command {
	var members []string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Bootstrap a cluster (empty members list bootstraps a singleton)",
		RunE: func(cmd *cobra.Command, args []string) error {
			body := make([]map[string]string, 0, len(members))
			for _, m := range members {
				parts := strings.SplitN(m, "=", 2)
				if len(parts) != 2 {
					return fmt.Errorf("invalid --member %q, want id=addr", m)
				}
				body = append(body, map[string]string{"node_id": parts[0], "addr": parts[1]})
			}
			_, err := newClient().do(fasthttp.MethodPost, "/api/cluster/init", body)
			if err != nil {
				return err
			}
			fmt.Println("cluster initialized")
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&members, "member", nil, "id=addr pair, repeatable; omit for singleton bootstrap")
	return cmd
}

func addLearnerCmd() *cobra.Command {
	var id, addr string
	cmd := &cobra.Command{
		Use:   "add-learner",
		Short: "Add a non-voting member that replicates the log",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := newClient().do(fasthttp.MethodPost, "/api/cluster/add-learner",
				map[string]string{"node_id": id, "addr": addr})
			if err != nil {
				return err
			}
			fmt.Println("learner added")
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "New member's node id")
	cmd.Flags().StringVar(&addr, "addr", "", "New member's address")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("addr")
	return cmd
}

func promoteCmd() *cobra.Command {
	var voters []string
	cmd := &cobra.Command{
		Use:   "promote",
		Short: "Set the exact voter membership",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := newClient().do(fasthttp.MethodPost, "/api/cluster/change-membership", voters)
			if err != nil {
				return err
			}
			fmt.Println("membership updated")
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&voters, "voters", nil, "Comma-separated full voter id set")
	_ = cmd.MarkFlagRequired("voters")
	return cmd
}

func removeNodeCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "remove-node",
		Short: "Remove a node from the voter set",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			env, err := c.do(fasthttp.MethodGet, "/api/cluster/metrics", nil)
			if err != nil {
				return err
			}
			var m cluster.Metrics
			if err := remarshal(env.Data, &m); err != nil {
				return err
			}
			remaining := make([]string, 0, len(m.Servers))
			for _, srv := range m.Servers {
				if srv.ID != id {
					remaining = append(remaining, srv.ID)
				}
			}
			_, err = c.do(fasthttp.MethodPost, "/api/cluster/change-membership", remaining)
			if err != nil {
				return err
			}
			fmt.Println("node removed")
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Node id to remove")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print current cluster metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printStatus(newClient())
		},
	}
}

func monitorCmd() *cobra.Command {
	var interval int
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Repeatedly print cluster metrics until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			for {
				if err := printStatus(c); err != nil {
					fmt.Fprintln(os.Stderr, "error:", err)
				}
				time.Sleep(time.Duration(interval) * time.Second)
			}
		},
	}
	cmd.Flags().IntVar(&interval, "interval", 5, "Seconds between polls")
	return cmd
}

func printStatus(c *client) error {
	env, err := c.do(fasthttp.MethodGet, "/api/cluster/metrics", nil)
	if err != nil {
		return err
	}
	b, err := json.MarshalIndent(env.Data, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func remarshal(v any, out any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}
