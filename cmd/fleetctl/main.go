package main

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mateo/fleetd/internal/api"
	"github.com/mateo/fleetd/internal/queue"
	"github.com/mateo/fleetd/internal/registry"
)

var apiPort int

func client() *api.Client {
	return api.NewClient(apiPort)
}

func main() {
	root := &cobra.Command{
		Use:   "fleetctl",
		Short: "Control a running fleetd daemon",
	}
	root.PersistentFlags().IntVar(&apiPort, "port", 8091, "fleetd API port")

	root.AddCommand(
		statusCmd(),
		agentsCmd(),
		tasksCmd(),
		breakerCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// --- status ---

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show runtime health and metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := client().Health()
			if err != nil {
				return err
			}
			m, err := client().Metrics()
			if err != nil {
				return err
			}

			fmt.Printf("Status: %s\n", h.Status)
			for name, up := range h.Components {
				fmt.Printf("  %-10s %v\n", name, up)
			}
			fmt.Printf("\nAgents: %d total, %d healthy, %d degraded, %d unhealthy, %d unknown\n",
				m.Agents.Total, m.Agents.Healthy, m.Agents.Degraded, m.Agents.Unhealthy, m.Agents.Unknown)
			fmt.Printf("Workers: %d/%d active, %d processed, %d succeeded, %d failed\n",
				m.Workers.ActiveWorkers, m.Workers.MaxWorkers, m.Workers.Processed, m.Workers.Succeeded, m.Workers.Failed)

			if len(m.Tasks) > 0 {
				fmt.Println("\nTasks:")
				states := make([]string, 0, len(m.Tasks))
				for s := range m.Tasks {
					states = append(states, string(s))
				}
				sort.Strings(states)
				for _, s := range states {
					fmt.Printf("  %-10s %d\n", s, m.Tasks[queue.TaskState(s)])
				}
			}

			if len(m.Breakers) > 0 {
				fmt.Println("\nBreakers:")
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "  AGENT\tSTATE\tFAILURE RATE\tSAMPLES")
				ids := make([]string, 0, len(m.Breakers))
				for id := range m.Breakers {
					ids = append(ids, id)
				}
				sort.Strings(ids)
				for _, id := range ids {
					b := m.Breakers[id]
					fmt.Fprintf(w, "  %s\t%s\t%.2f\t%d\n", id, b.State, b.FailureRate, b.Samples)
				}
				w.Flush()
			}
			return nil
		},
	}
}

// --- agents ---

func agentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Manage agent registrations",
	}
	cmd.AddCommand(agentsListCmd(), agentsRegisterCmd(), agentsDeregisterCmd(), agentsRenewCmd(), agentsWeightCmd())
	return cmd
}

func agentsListCmd() *cobra.Command {
	var capability, version, tags string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			agents, err := client().ListAgents(capability, version, splitTags(tags))
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "AGENT\tADDRESS\tSTATUS\tHEALTH\tBREAKER\tCONNS\tCAPABILITIES")
			for _, a := range agents {
				caps := make([]string, len(a.Capabilities))
				for i, c := range a.Capabilities {
					caps[i] = c.String()
				}
				fmt.Fprintf(w, "%s\t%s:%d\t%s\t%s\t%s\t%d\t%s\n",
					a.AgentID, a.Host, a.Port, a.Status, a.Health.Status, a.Breaker.State,
					a.Connections, strings.Join(caps, ","))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&capability, "capability", "", "filter by capability name")
	cmd.Flags().StringVar(&version, "version", "", "filter by capability version")
	cmd.Flags().StringVar(&tags, "tags", "", "comma-separated tag filter")
	return cmd
}

func agentsRegisterCmd() *cobra.Command {
	var name, host, caps, tags string
	var port, ttl int
	cmd := &cobra.Command{
		Use:   "register <agent-id>",
		Short: "Register or re-register an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := api.RegisterAgentRequest{
				AgentID:    args[0],
				Name:       name,
				Host:       host,
				Port:       port,
				Tags:       splitTags(tags),
				TTLSeconds: ttl,
			}
			for _, c := range splitTags(caps) {
				capability := registry.Capability{Name: c}
				if i := strings.IndexByte(c, ':'); i > 0 {
					capability.Name, capability.Version = c[:i], c[i+1:]
				}
				req.Capabilities = append(req.Capabilities, capability)
			}
			if err := client().RegisterAgent(req); err != nil {
				return err
			}
			fmt.Printf("Agent %s registered\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "agent host")
	cmd.Flags().IntVar(&port, "agent-port", 9000, "agent port")
	cmd.Flags().StringVar(&caps, "capabilities", "", "comma-separated name:version pairs")
	cmd.Flags().StringVar(&tags, "tags", "", "comma-separated tags")
	cmd.Flags().IntVar(&ttl, "ttl", 30, "registration TTL in seconds")
	return cmd
}

func agentsDeregisterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deregister <agent-id>",
		Short: "Remove an agent registration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client().DeregisterAgent(args[0]); err != nil {
				return err
			}
			fmt.Printf("Agent %s deregistered\n", args[0])
			return nil
		},
	}
}

func agentsRenewCmd() *cobra.Command {
	var ttl int
	cmd := &cobra.Command{
		Use:   "renew <agent-id>",
		Short: "Refresh an agent's registration TTL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client().RefreshTTL(args[0], ttl); err != nil {
				return err
			}
			fmt.Printf("Agent %s renewed\n", args[0])
			return nil
		},
	}
	cmd.Flags().IntVar(&ttl, "ttl", 0, "new TTL in seconds (0 keeps current)")
	return cmd
}

func agentsWeightCmd() *cobra.Command {
	var weight float64
	cmd := &cobra.Command{
		Use:   "weight <agent-id>",
		Short: "Set an agent's selection weight",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client().SetWeight(args[0], weight); err != nil {
				return err
			}
			fmt.Printf("Agent %s weight set to %.2f\n", args[0], weight)
			return nil
		},
	}
	cmd.Flags().Float64Var(&weight, "weight", 1.0, "selection weight")
	return cmd
}

// --- tasks ---

func tasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Submit and inspect tasks",
	}
	cmd.AddCommand(tasksSubmitCmd(), tasksGetCmd(), tasksCancelCmd(), tasksStatsCmd())
	return cmd
}

func tasksSubmitCmd() *cobra.Command {
	var priority, capability, version, tags string
	cmd := &cobra.Command{
		Use:   "submit <name>",
		Short: "Submit a task to the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			meta := map[string]any{}
			if capability != "" {
				meta["capability"] = capability
				if version != "" {
					meta["capabilityVersion"] = version
				}
			}
			if t := splitTags(tags); len(t) > 0 {
				meta["tags"] = t
			}

			id, err := client().SubmitTask(api.SubmitTaskRequest{
				Name:     args[0],
				Priority: priority,
				Metadata: meta,
			})
			if err != nil {
				return err
			}
			fmt.Printf("Task submitted: %s\n", id)
			return nil
		},
	}
	cmd.Flags().StringVar(&priority, "priority", "normal", "low, normal, high, or critical")
	cmd.Flags().StringVar(&capability, "capability", "", "required agent capability")
	cmd.Flags().StringVar(&version, "version", "", "required capability version")
	cmd.Flags().StringVar(&tags, "tags", "", "comma-separated required tags")
	return cmd
}

func tasksGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <task-id>",
		Short: "Show one task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			task, err := client().GetTask(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("ID:        %s\n", task.ID)
			fmt.Printf("Name:      %s\n", task.Name)
			fmt.Printf("Priority:  %s\n", task.Priority)
			fmt.Printf("State:     %s\n", task.State)
			fmt.Printf("Attempts:  %d\n", task.Attempts())
			if task.Error != "" {
				fmt.Printf("Error:     %s\n", task.Error)
			}
			if task.Result != nil {
				fmt.Printf("Result:    %v\n", task.Result)
			}
			return nil
		},
	}
}

func tasksCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a pending or running task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client().CancelTask(args[0]); err != nil {
				return err
			}
			fmt.Printf("Task %s cancelled\n", args[0])
			return nil
		},
	}
}

func tasksStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show task counts by state",
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := client().TaskStats()
			if err != nil {
				return err
			}
			states := make([]string, 0, len(stats))
			for s := range stats {
				states = append(states, string(s))
			}
			sort.Strings(states)
			for _, s := range states {
				fmt.Printf("%-10s %d\n", s, stats[queue.TaskState(s)])
			}
			return nil
		},
	}
}

// --- breaker ---

func breakerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "breaker",
		Short: "Manage circuit breakers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "reset <agent-id>",
		Short: "Force an agent's breaker closed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client().ResetBreaker(args[0]); err != nil {
				return err
			}
			fmt.Printf("Breaker for %s reset\n", args[0])
			return nil
		},
	})
	return cmd
}

func splitTags(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
