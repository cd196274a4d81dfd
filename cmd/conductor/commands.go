package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/dreamware/conductor/internal/action"
	"github.com/dreamware/conductor/internal/engine"
)

// call adapts one API request to a cobra RunE and prints the response.
func call(fn func(ctx context.Context, c *client, args []string) (json.RawMessage, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		out, err := fn(cmd.Context(), newClient(), args)
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), out)
	}
}

func newClusterCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "cluster", Short: "Manage clusters"}

	var spec engine.ClusterSpec
	create := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a cluster and bring it to its desired capacity",
		Args:  cobra.ExactArgs(1),
		RunE: call(func(ctx context.Context, c *client, args []string) (json.RawMessage, error) {
			spec.Name = args[0]
			return c.post(ctx, "/v1/clusters", spec)
		}),
	}
	create.Flags().StringVar(&spec.ProfileID, "profile", "default", "profile id")
	create.Flags().IntVar(&spec.DesiredCapacity, "desired", 0, "desired capacity")
	create.Flags().IntVar(&spec.MinSize, "min", 0, "minimum size")
	create.Flags().IntVar(&spec.MaxSize, "max", 0, "maximum size, -1 or 0 for unlimited")

	var count int
	scale := func(use, short, path string) *cobra.Command {
		sc := &cobra.Command{
			Use:   use + " CLUSTER",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: call(func(ctx context.Context, c *client, args []string) (json.RawMessage, error) {
				return c.post(ctx, "/v1/clusters/"+args[0]+path, map[string]int{"count": count})
			}),
		}
		sc.Flags().IntVar(&count, "count", 0, "number of nodes; 0 defers to the scaling policy")
		return sc
	}

	var capacity int
	var bestEffort bool
	resize := &cobra.Command{
		Use:   "resize CLUSTER",
		Short: "Set a cluster's capacity",
		Args:  cobra.ExactArgs(1),
		RunE: call(func(ctx context.Context, c *client, args []string) (json.RawMessage, error) {
			return c.post(ctx, "/v1/clusters/"+args[0]+"/resize", map[string]any{"capacity": capacity, "best_effort": bestEffort})
		}),
	}
	resize.Flags().IntVar(&capacity, "capacity", 0, "new capacity")
	resize.Flags().BoolVar(&bestEffort, "best-effort", false, "accept partial success")
	_ = resize.MarkFlagRequired("capacity")

	var ops []string
	recoverCmd := &cobra.Command{
		Use:   "recover CLUSTER",
		Short: "Recover a cluster's unhealthy nodes",
		Args:  cobra.ExactArgs(1),
		RunE: call(func(ctx context.Context, c *client, args []string) (json.RawMessage, error) {
			return c.post(ctx, "/v1/clusters/"+args[0]+"/recover", map[string]any{"operations": ops})
		}),
	}
	recoverCmd.Flags().StringSliceVar(&ops, "op", nil, "recovery operations in order (REBOOT, REBUILD, RECREATE)")

	cmd.AddCommand(
		create,
		&cobra.Command{
			Use:   "list",
			Short: "List clusters",
			Args:  cobra.NoArgs,
			RunE: call(func(ctx context.Context, c *client, _ []string) (json.RawMessage, error) {
				return c.get(ctx, "/v1/clusters", nil)
			}),
		},
		&cobra.Command{
			Use:   "show CLUSTER",
			Short: "Show a cluster",
			Args:  cobra.ExactArgs(1),
			RunE: call(func(ctx context.Context, c *client, args []string) (json.RawMessage, error) {
				return c.get(ctx, "/v1/clusters/"+args[0], nil)
			}),
		},
		&cobra.Command{
			Use:   "delete CLUSTER",
			Short: "Delete a cluster and all its nodes",
			Args:  cobra.ExactArgs(1),
			RunE: call(func(ctx context.Context, c *client, args []string) (json.RawMessage, error) {
				return c.delete(ctx, "/v1/clusters/"+args[0], nil)
			}),
		},
		scale("scale-out", "Add nodes to a cluster", "/scale-out"),
		scale("scale-in", "Remove nodes from a cluster", "/scale-in"),
		resize,
		recoverCmd,
		&cobra.Command{
			Use:   "check CLUSTER",
			Short: "Refresh node status from the drivers",
			Args:  cobra.ExactArgs(1),
			RunE: call(func(ctx context.Context, c *client, args []string) (json.RawMessage, error) {
				return c.post(ctx, "/v1/clusters/"+args[0]+"/check", nil)
			}),
		},
		&cobra.Command{
			Use:   "health CLUSTER",
			Short: "Show the health monitor's view of a cluster",
			Args:  cobra.ExactArgs(1),
			RunE: call(func(ctx context.Context, c *client, args []string) (json.RawMessage, error) {
				return c.get(ctx, "/v1/clusters/"+args[0]+"/health", nil)
			}),
		},
	)
	return cmd
}

func newNodeCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "node", Short: "Manage nodes"}

	var spec engine.NodeSpec
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a node, standalone or in a cluster",
		Args:  cobra.NoArgs,
		RunE: call(func(ctx context.Context, c *client, _ []string) (json.RawMessage, error) {
			return c.post(ctx, "/v1/nodes", spec)
		}),
	}
	create.Flags().StringVar(&spec.Name, "name", "", "node name")
	create.Flags().StringVar(&spec.ProfileID, "profile", "", "profile id (defaults to the cluster's)")
	create.Flags().StringVar(&spec.ClusterID, "cluster", "", "cluster to join")

	var clusterID string
	list := &cobra.Command{
		Use:   "list",
		Short: "List nodes",
		Args:  cobra.NoArgs,
		RunE: call(func(ctx context.Context, c *client, _ []string) (json.RawMessage, error) {
			q := url.Values{}
			if clusterID != "" {
				q.Set("cluster_id", clusterID)
			}
			return c.get(ctx, "/v1/nodes", q)
		}),
	}
	list.Flags().StringVar(&clusterID, "cluster", "", "only members of this cluster")

	var destroy string
	del := &cobra.Command{
		Use:   "delete NODE",
		Short: "Delete a node",
		Args:  cobra.ExactArgs(1),
		RunE: call(func(ctx context.Context, c *client, args []string) (json.RawMessage, error) {
			q := url.Values{}
			if destroy != "" {
				if _, err := strconv.ParseBool(destroy); err != nil {
					return nil, fmt.Errorf("--destroy: %w", err)
				}
				q.Set("destroy", destroy)
			}
			return c.delete(ctx, "/v1/nodes/"+args[0], q)
		}),
	}
	del.Flags().StringVar(&destroy, "destroy", "", "destroy the resource (true/false); default follows the deletion policy")

	var ops []string
	recoverCmd := &cobra.Command{
		Use:   "recover NODE",
		Short: "Recover a node",
		Args:  cobra.ExactArgs(1),
		RunE: call(func(ctx context.Context, c *client, args []string) (json.RawMessage, error) {
			return c.post(ctx, "/v1/nodes/"+args[0]+"/recover", map[string]any{"operations": ops})
		}),
	}
	recoverCmd.Flags().StringSliceVar(&ops, "op", nil, "recovery operations in order")

	cmd.AddCommand(
		create,
		list,
		&cobra.Command{
			Use:   "show NODE",
			Short: "Show a node",
			Args:  cobra.ExactArgs(1),
			RunE: call(func(ctx context.Context, c *client, args []string) (json.RawMessage, error) {
				return c.get(ctx, "/v1/nodes/"+args[0], nil)
			}),
		},
		del,
		recoverCmd,
		&cobra.Command{
			Use:   "event NODE EVENT",
			Short: "Report a lifecycle event (STOPPED, DELETED, ERROR) for a node",
			Args:  cobra.ExactArgs(2),
			RunE: call(func(ctx context.Context, c *client, args []string) (json.RawMessage, error) {
				return c.post(ctx, "/v1/nodes/"+args[0]+"/events", map[string]string{"event": args[1]})
			}),
		},
	)
	return cmd
}

func newPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "policy", Short: "Manage policies and cluster bindings"}

	var ptype, file string
	create := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a policy from a YAML properties file",
		Args:  cobra.ExactArgs(1),
		RunE: call(func(ctx context.Context, c *client, args []string) (json.RawMessage, error) {
			props, err := readProperties(file)
			if err != nil {
				return nil, err
			}
			return c.post(ctx, "/v1/policies", engine.PolicySpec{Name: args[0], Type: ptype, Properties: props})
		}),
	}
	create.Flags().StringVar(&ptype, "type", "", "policy type key, e.g. conductor.policy.scaling-1.0")
	create.Flags().StringVarP(&file, "file", "f", "", "YAML file holding the policy properties")
	_ = create.MarkFlagRequired("type")

	var binding engine.BindingSpec
	attach := &cobra.Command{
		Use:   "attach CLUSTER POLICY",
		Short: "Bind a policy to a cluster",
		Args:  cobra.ExactArgs(2),
		RunE: call(func(ctx context.Context, c *client, args []string) (json.RawMessage, error) {
			binding.PolicyID = args[1]
			return c.post(ctx, "/v1/clusters/"+args[0]+"/policies", binding)
		}),
	}
	attach.Flags().IntVar(&binding.Priority, "priority", 0, "evaluation priority, higher first")
	attach.Flags().IntVar(&binding.Cooldown, "cooldown", 0, "seconds between enforcements")
	attach.Flags().BoolVar(&binding.Disabled, "disabled", false, "attach without enforcing")

	cmd.AddCommand(
		create,
		&cobra.Command{
			Use:   "list",
			Short: "List policies",
			Args:  cobra.NoArgs,
			RunE: call(func(ctx context.Context, c *client, _ []string) (json.RawMessage, error) {
				return c.get(ctx, "/v1/policies", nil)
			}),
		},
		&cobra.Command{
			Use:   "delete POLICY",
			Short: "Delete an unattached policy",
			Args:  cobra.ExactArgs(1),
			RunE: call(func(ctx context.Context, c *client, args []string) (json.RawMessage, error) {
				return c.delete(ctx, "/v1/policies/"+args[0], nil)
			}),
		},
		attach,
		&cobra.Command{
			Use:   "detach CLUSTER POLICY",
			Short: "Remove a policy from a cluster",
			Args:  cobra.ExactArgs(2),
			RunE: call(func(ctx context.Context, c *client, args []string) (json.RawMessage, error) {
				return c.delete(ctx, "/v1/clusters/"+args[0]+"/policies/"+args[1], nil)
			}),
		},
		&cobra.Command{
			Use:   "bindings CLUSTER",
			Short: "List a cluster's policy bindings",
			Args:  cobra.ExactArgs(1),
			RunE: call(func(ctx context.Context, c *client, args []string) (json.RawMessage, error) {
				return c.get(ctx, "/v1/clusters/"+args[0]+"/policies", nil)
			}),
		},
	)
	return cmd
}

func readProperties(path string) (map[string]any, error) {
	if path == "" {
		return map[string]any{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	props := map[string]any{}
	if err := yaml.Unmarshal(data, &props); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return props, nil
}

func newActionCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "action", Short: "Inspect and cancel actions"}

	var target, status, atype string
	var active bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List actions",
		Args:  cobra.NoArgs,
		RunE: call(func(ctx context.Context, c *client, _ []string) (json.RawMessage, error) {
			q := url.Values{}
			if target != "" {
				q.Set("target", target)
			}
			if status != "" {
				q.Set("status", status)
			}
			if atype != "" {
				q.Set("type", atype)
			}
			if active {
				q.Set("active", "true")
			}
			return c.get(ctx, "/v1/actions", q)
		}),
	}
	list.Flags().StringVar(&target, "target", "", "only actions on this target")
	list.Flags().StringVar(&status, "status", "", "only actions in this status")
	list.Flags().StringVar(&atype, "type", "", "only actions of this type")
	list.Flags().BoolVar(&active, "active", false, "only non-terminal actions")

	cmd.AddCommand(
		list,
		&cobra.Command{
			Use:   "show ACTION",
			Short: "Show an action",
			Args:  cobra.ExactArgs(1),
			RunE: call(func(ctx context.Context, c *client, args []string) (json.RawMessage, error) {
				return c.get(ctx, "/v1/actions/"+args[0], nil)
			}),
		},
		&cobra.Command{
			Use:   "cancel ACTION",
			Short: "Cancel an action and its descendants",
			Args:  cobra.ExactArgs(1),
			RunE: call(func(ctx context.Context, c *client, args []string) (json.RawMessage, error) {
				return c.post(ctx, "/v1/actions/"+args[0]+"/cancel", nil)
			}),
		},
		&cobra.Command{
			Use:   "locks",
			Short: "List held resource locks",
			Args:  cobra.NoArgs,
			RunE: call(func(ctx context.Context, c *client, _ []string) (json.RawMessage, error) {
				return c.get(ctx, "/v1/locks", nil)
			}),
		},
	)
	return cmd
}

func newReceiverCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "receiver", Short: "Manage webhook receivers"}

	var spec engine.ReceiverSpec
	var atype string
	create := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a receiver that requests a fixed action",
		Args:  cobra.ExactArgs(1),
		RunE: call(func(ctx context.Context, c *client, args []string) (json.RawMessage, error) {
			spec.Name = args[0]
			spec.ActionType = actionType(atype)
			return c.post(ctx, "/v1/receivers", spec)
		}),
	}
	create.Flags().StringVar(&spec.TargetID, "target", "", "cluster or node id")
	create.Flags().StringVar(&atype, "action", "", "action type, e.g. CLUSTER_SCALE_OUT")
	_ = create.MarkFlagRequired("target")
	_ = create.MarkFlagRequired("action")

	var params []string
	trigger := &cobra.Command{
		Use:   "trigger TOKEN",
		Short: "Fire a receiver",
		Args:  cobra.ExactArgs(1),
		RunE: call(func(ctx context.Context, c *client, args []string) (json.RawMessage, error) {
			body := map[string]any{}
			for _, p := range params {
				k, v, ok := cutParam(p)
				if !ok {
					return nil, fmt.Errorf("--param %q: want key=value", p)
				}
				body[k] = v
			}
			return c.post(ctx, "/webhooks/"+args[0]+"/trigger", body)
		}),
	}
	trigger.Flags().StringArrayVar(&params, "param", nil, "key=value override, repeatable")

	cmd.AddCommand(
		create,
		&cobra.Command{
			Use:   "list",
			Short: "List receivers",
			Args:  cobra.NoArgs,
			RunE: call(func(ctx context.Context, c *client, _ []string) (json.RawMessage, error) {
				return c.get(ctx, "/v1/receivers", nil)
			}),
		},
		&cobra.Command{
			Use:   "delete RECEIVER",
			Short: "Delete a receiver",
			Args:  cobra.ExactArgs(1),
			RunE: call(func(ctx context.Context, c *client, args []string) (json.RawMessage, error) {
				return c.delete(ctx, "/v1/receivers/"+args[0], nil)
			}),
		},
		trigger,
	)
	return cmd
}

func newLifecycleCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "lifecycle", Short: "Answer lifecycle hook messages"}
	cmd.AddCommand(&cobra.Command{
		Use:   "complete TOKEN",
		Short: "Let a deferred deletion proceed",
		Args:  cobra.ExactArgs(1),
		RunE: call(func(ctx context.Context, c *client, args []string) (json.RawMessage, error) {
			return c.post(ctx, "/v1/lifecycle/"+args[0]+"/complete", nil)
		}),
	})
	return cmd
}

func actionType(s string) action.Type { return action.Type(strings.ToUpper(s)) }

// cutParam splits key=value. Integer and boolean values are typed so
// inputs like count=2 reach the engine as numbers.
func cutParam(p string) (string, any, bool) {
	k, v, ok := strings.Cut(p, "=")
	if !ok || k == "" {
		return "", nil, false
	}
	if n, err := strconv.Atoi(v); err == nil {
		return k, n, true
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return k, b, true
	}
	return k, v, true
}
