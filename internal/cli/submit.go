package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"sjq/internal/config"
	"sjq/internal/model"
)

func NewSubmitCmd(g *Globals) *cobra.Command {
	var (
		spec    model.JobSpec
		mem     string
		env     []string
		depends []string
	)

	cmd := &cobra.Command{
		Use:   "submit [script|-]",
		Short: "Submit a job script (stdin when omitted or -)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				src []byte
				err error
			)
			if len(args) == 0 || args[0] == "-" {
				src, err = io.ReadAll(cmd.InOrStdin())
			} else {
				src, err = os.ReadFile(args[0])
				if spec.Name == "" {
					spec.Name = scriptName(args[0])
				}
			}
			if err != nil {
				return fmt.Errorf("read script: %w", err)
			}
			spec.Src = string(src)

			if mem != "" {
				if spec.Mem, err = config.ParseMem(mem); err != nil {
					return fmt.Errorf("invalid --mem: %w", err)
				}
			}
			if spec.Env, err = parseEnv(env); err != nil {
				return err
			}
			if spec.Dependencies, err = parseIDs(depends); err != nil {
				return err
			}
			if err := absPaths(&spec); err != nil {
				return err
			}

			c, err := g.client()
			if err != nil {
				return err
			}
			defer c.Close()

			ctx, cancel := requestCtx()
			defer cancel()
			id, err := c.Submit(ctx, spec)
			if err != nil {
				return fmt.Errorf("submit failed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVarP(&spec.Name, "name", "N", "", "job name (default: script file name)")
	f.IntVarP(&spec.Procs, "procs", "p", 0, "process slots the job needs")
	f.StringVarP(&mem, "mem", "m", "", "memory the job needs, e.g. 512M or 2GiB")
	f.StringVarP(&spec.Cwd, "cwd", "C", "", "working directory (default: your home)")
	f.StringArrayVarP(&env, "env", "e", nil, "KEY=VALUE added to the job environment")
	f.StringVarP(&spec.StdoutPath, "stdout", "o", "", "stdout file (default <cwd>/<name>.o<id>)")
	f.StringVar(&spec.StderrPath, "stderr", "", "stderr file (default <cwd>/<name>.e<id>)")
	f.StringSliceVarP(&depends, "depends", "d", nil, "job ids that must succeed first")
	return cmd
}

// absPaths resolves the path flags against the caller's directory, since
// the server runs elsewhere.
func absPaths(spec *model.JobSpec) error {
	for _, p := range []*string{&spec.Cwd, &spec.StdoutPath, &spec.StderrPath} {
		if *p == "" {
			continue
		}
		abs, err := filepath.Abs(*p)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", *p, err)
		}
		*p = abs
	}
	return nil
}

func scriptName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func parseEnv(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --env %q, want KEY=VALUE", p)
		}
		env[k] = v
	}
	return env, nil
}

func parseIDs(args []string) ([]int64, error) {
	var ids []int64
	for _, a := range args {
		for _, part := range strings.Split(a, ":") {
			if part == "" {
				continue
			}
			id, err := strconv.ParseInt(part, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid job id %q", part)
			}
			ids = append(ids, id)
		}
	}
	return ids, nil
}
