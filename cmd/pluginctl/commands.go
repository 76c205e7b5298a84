package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/lk2023060901/zeus-plugin/pkg/app"
	"github.com/lk2023060901/zeus-plugin/pkg/framework"
)

func (c *cli) installCmd() *cobra.Command {
	var start bool
	var level int
	cmd := &cobra.Command{
		Use:   "install <location> [path]",
		Short: "Install a plugin artifact; path defaults to location",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			location, path := args[0], args[0]
			if len(args) == 2 {
				path = args[1]
			}
			return c.withFramework(cmd.Context(), func(fw *framework.Framework) error {
				ctx := cmd.Context()
				p, err := fw.Install(ctx, location, path)
				if err != nil {
					return err
				}
				if cmd.Flags().Changed("start-level") {
					if err := p.SetStartLevel(ctx, level); err != nil {
						return err
					}
				}
				if start {
					if err := p.Start(ctx); err != nil {
						return err
					}
				}
				fmt.Fprintf(c.out, "installed %d %s %s\n", p.ID(), p.SymbolicName(), p.Version())
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&start, "start", false, "start the plugin after install and mark it for autostart")
	cmd.Flags().IntVar(&level, "start-level", 0, "start level of the plugin")
	return cmd
}

func (c *cli) updateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "update <id|location> [path]",
		Short: "Update a plugin from its current or a new artifact",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 2 {
				path = args[1]
			}
			return c.withFramework(cmd.Context(), func(fw *framework.Framework) error {
				p, err := pluginArg(fw, args[0])
				if err != nil {
					return err
				}
				if err := p.Update(cmd.Context(), path); err != nil {
					return err
				}
				fmt.Fprintf(c.out, "updated %d %s %s\n", p.ID(), p.SymbolicName(), p.Version())
				return nil
			})
		},
	}
}

func (c *cli) uninstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall <id|location>",
		Short: "Uninstall a plugin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withFramework(cmd.Context(), func(fw *framework.Framework) error {
				p, err := pluginArg(fw, args[0])
				if err != nil {
					return err
				}
				if err := p.Uninstall(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintf(c.out, "uninstalled %d\n", p.ID())
				return nil
			})
		},
	}
}

func (c *cli) startCmd() *cobra.Command {
	var eager, transient bool
	cmd := &cobra.Command{
		Use:   "start <id|location>",
		Short: "Start a plugin and record its autostart setting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts []framework.StartOption
			if eager {
				opts = append(opts, framework.StartEager())
			}
			if transient {
				opts = append(opts, framework.StartTransient())
			}
			return c.withFramework(cmd.Context(), func(fw *framework.Framework) error {
				p, err := pluginArg(fw, args[0])
				if err != nil {
					return err
				}
				if err := p.Start(cmd.Context(), opts...); err != nil {
					return err
				}
				fmt.Fprintf(c.out, "%d %s\n", p.ID(), p.State())
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&eager, "eager", false, "activate immediately even with a lazy activation policy")
	cmd.Flags().BoolVar(&transient, "transient", false, "do not change the persisted autostart setting")
	return cmd
}

func (c *cli) stopCmd() *cobra.Command {
	var transient bool
	cmd := &cobra.Command{
		Use:   "stop <id|location>",
		Short: "Stop a plugin and clear its autostart setting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withFramework(cmd.Context(), func(fw *framework.Framework) error {
				p, err := pluginArg(fw, args[0])
				if err != nil {
					return err
				}
				var opts []framework.StopOption
				if transient {
					opts = append(opts, framework.StopTransient())
				}
				if err := p.Stop(cmd.Context(), opts...); err != nil {
					return err
				}
				fmt.Fprintf(c.out, "%d %s\n", p.ID(), p.State())
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&transient, "transient", false, "keep the persisted autostart setting")
	return cmd
}

func (c *cli) listCmd() *cobra.Command {
	var resolve bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List installed plugins",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withFramework(cmd.Context(), func(fw *framework.Framework) error {
				if resolve {
					// 解析失败已通过框架错误报告输出。
					_ = fw.ResolvePlugins(cmd.Context())
				}
				tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tSTATE\tLEVEL\tAUTOSTART\tNAME\tVERSION\tLOCATION")
				for _, p := range fw.Plugins() {
					fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%s\t%s\t%s\n",
						p.ID(), p.State(), p.StartLevel(), p.Autostart(), p.SymbolicName(), p.Version(), p.Location())
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&resolve, "resolve", false, "resolve plugins before listing")
	return cmd
}

func (c *cli) headersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "headers <id|location>",
		Short: "Print the manifest headers of a plugin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withFramework(cmd.Context(), func(fw *framework.Framework) error {
				p, err := pluginArg(fw, args[0])
				if err != nil {
					return err
				}
				h := p.Headers()
				keys := make([]string, 0, len(h))
				for k := range h {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				for _, k := range keys {
					fmt.Fprintf(c.out, "%s: %s\n", k, h[k])
				}
				return nil
			})
		},
	}
}

func (c *cli) resourcesCmd() *cobra.Command {
	var pattern string
	var recurse bool
	var cat bool
	cmd := &cobra.Command{
		Use:   "resources <id|location> [dir|path]",
		Short: "List or print resources bundled with a plugin",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := ""
			if len(args) == 2 {
				dir = args[1]
			}
			return c.withFramework(cmd.Context(), func(fw *framework.Framework) error {
				ctx := cmd.Context()
				p, err := pluginArg(fw, args[0])
				if err != nil {
					return err
				}
				if cat {
					data, err := p.Resource(ctx, dir)
					if err != nil {
						return err
					}
					_, err = c.out.Write(data)
					return err
				}
				var paths []string
				if pattern != "" || recurse {
					paths, err = p.FindResources(ctx, dir, pattern, recurse)
				} else {
					paths, err = p.ResourceList(ctx, dir)
				}
				if err != nil {
					return err
				}
				for _, path := range paths {
					fmt.Fprintln(c.out, path)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&pattern, "pattern", "", "glob pattern matched against resource names")
	cmd.Flags().BoolVarP(&recurse, "recurse", "r", false, "search subdirectories")
	cmd.Flags().BoolVar(&cat, "cat", false, "print the content of the resource at path")
	return cmd
}

func (c *cli) runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the framework, autostart plugins and block until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := c.config()
			if err != nil {
				return err
			}
			h, err := app.NewHost("pluginctl", cfg, app.WithLoader(newLoader()))
			if err != nil {
				return err
			}
			h.Framework().AddFrameworkListener(&errorPrinter{out: os.Stderr})
			err = h.Run(cmd.Context())
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}
