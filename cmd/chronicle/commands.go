package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dshills/chronicle/internal/chronicle/agent"
	"github.com/dshills/chronicle/internal/chronicle/datasource"
	"github.com/dshills/chronicle/internal/chronicle/search"
	"github.com/dshills/chronicle/internal/chronicle/types"
)

// parseInt accepts decimal, 0x hex and 0o octal.
func parseInt(name, s string) (int64, error) {
	v, err := strconv.ParseInt(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, s, err)
	}
	return v, nil
}

// incomplete reports a query that finished without a full answer.
func incomplete(what string) error {
	return fmt.Errorf("%s: query did not complete", what)
}

func (c *cli) infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show the trace architecture and length",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withSession(cmd, func(ctx context.Context, s *agent.Session) error {
				arch := s.Architecture()
				endian := "big"
				if arch.IsLittleEndian() {
					endian = "little"
				}
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "session:      %s\n", s.ID())
				fmt.Fprintf(w, "architecture: %s (%d-bit pointers, %s endian)\n", arch.Name(), arch.PointerSize()*8, endian)
				fmt.Fprintf(w, "end tstamp:   %d\n", s.EndTStamp())
				return nil
			})
		},
	}
}

// maxDumpLength bounds the length argument of readmem.
const maxDumpLength = 16 << 20

type readResult struct {
	data  []byte
	valid []bool
}

func (c *cli) readMemCmd() *cobra.Command {
	var changes bool
	cmd := &cobra.Command{
		Use:   "readmem <tstamp> <address> <length>",
		Short: "Dump memory at a timestamp",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			tstamp, err := parseInt("tstamp", args[0])
			if err != nil {
				return err
			}
			address, err := parseInt("address", args[1])
			if err != nil {
				return err
			}
			length, err := parseInt("length", args[2])
			if err != nil {
				return err
			}
			if length < 0 || length > maxDumpLength {
				return fmt.Errorf("invalid length %d: must be between 0 and %d", length, maxDumpLength)
			}

			return c.withSession(cmd, func(ctx context.Context, s *agent.Session) error {
				src := datasource.NewMemory(s, tstamp, address)
				if length <= int64(c.cfg.Data.EagerLimit) {
					src = datasource.NewEager(src, int(length))
				}
				res, err := read(ctx, src, 0, int(length))
				if err != nil {
					return err
				}
				hexDump(cmd.OutOrStdout(), address, res.data, res.valid)

				if !changes || length == 0 {
					return nil
				}
				prev := make(chan datasource.Change, 1)
				src.FindPreviousChange(0, length, func(ch datasource.Change) { prev <- ch })
				p, err := await(ctx, prev)
				if err != nil {
					return err
				}
				next := make(chan datasource.Change, 1)
				src.FindNextChange(0, length, func(ch datasource.Change) { next <- ch })
				n, err := await(ctx, next)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "last change: %s\nnext change: %s\n", describeChange(p), describeChange(n))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&changes, "changes", false, "also report the surrounding writes")
	return cmd
}

func read(ctx context.Context, src datasource.DataSource, offset int64, length int) (readResult, error) {
	ch := make(chan readResult, 1)
	src.Read(offset, length, func(data []byte, valid []bool) {
		ch <- readResult{data: data, valid: valid}
	})
	return await(ctx, ch)
}

func describeChange(ch datasource.Change) string {
	switch ch.Kind {
	case datasource.ChangeFound:
		return fmt.Sprintf("%d at %s", ch.TStamp, ch.Range)
	case datasource.ChangeEndOfScope:
		return fmt.Sprintf("none (scope ends at %d)", ch.TStamp)
	default:
		return ch.Kind.String()
	}
}

// hexDump writes 16 bytes per line; unknown bytes print as ??.
func hexDump(w io.Writer, address int64, data []byte, valid []bool) {
	for i := 0; i < len(data); i += 16 {
		var b strings.Builder
		fmt.Fprintf(&b, "%#016x ", address+int64(i))
		for j := i; j < i+16 && j < len(data); j++ {
			if valid[j] {
				fmt.Fprintf(&b, " %02x", data[j])
			} else {
				b.WriteString(" ??")
			}
		}
		fmt.Fprintln(w, b.String())
	}
}

func (c *cli) memEndCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "memend <tstamp> <address>",
		Short: "Find the end of the mapped memory containing an address",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tstamp, err := parseInt("tstamp", args[0])
			if err != nil {
				return err
			}
			address, err := parseInt("address", args[1])
			if err != nil {
				return err
			}
			return c.withSession(cmd, func(ctx context.Context, s *agent.Session) error {
				ch := make(chan int64, 1)
				search.FindMemoryEndWithBump(s, tstamp, address, c.cfg.Search.ProbeBump, func(end int64) { ch <- end })
				end, err := await(ctx, ch)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%#x\n", end)
				return nil
			})
		},
	}
}

func (c *cli) stackCmd() *cobra.Command {
	var depth int
	cmd := &cobra.Command{
		Use:   "stack <tstamp>",
		Short: "Print the call stack at a timestamp",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tstamp, err := parseInt("tstamp", args[0])
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("depth") {
				depth = c.cfg.Search.MaxStackDepth
			}
			return c.withSession(cmd, func(ctx context.Context, s *agent.Session) error {
				var frames []search.Frame
				done := make(chan bool, 1)
				search.WalkStack(s, tstamp, depth,
					func(f search.Frame) { frames = append(frames, f) },
					func(complete bool) { done <- complete })
				complete, err := await(ctx, done)
				if err != nil {
					return err
				}

				w := cmd.OutOrStdout()
				for _, f := range frames {
					name := "??"
					if f.Function != nil {
						name = f.Function.String()
					}
					state := "running"
					if f.Call.Returned {
						state = fmt.Sprintf("returns at %d", f.Call.EndTStamp)
					}
					fmt.Fprintf(w, "#%-2d %s called at %d, sp %#x, %s\n", f.Depth, name, f.Call.TStamp, f.Call.BeforeCallSP, state)
				}
				if !complete {
					fmt.Fprintln(w, "(stack truncated)")
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&depth, "depth", 0, "maximum frames to print (default from config)")
	return cmd
}

func (c *cli) whereCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "where <tstamp>",
		Short: "Show the function running at a timestamp and its source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tstamp, err := parseInt("tstamp", args[0])
			if err != nil {
				return err
			}
			return c.withSession(cmd, func(ctx context.Context, s *agent.Session) error {
				fnCh := make(chan *agent.Function, 1)
				search.FindRunningFunction(s, tstamp, func(fn *agent.Function) { fnCh <- fn })
				fn, err := await(ctx, fnCh)
				if err != nil {
					return err
				}
				if fn == nil {
					return incomplete("findContainingFunction")
				}

				type sources struct {
					m        map[int64]agent.SourceCoordinate
					complete bool
				}
				srcCh := make(chan sources, 1)
				s.Send(agent.NewFindSourceInfoQuery(s, tstamp, []int64{fn.EntryPoint},
					func(m map[int64]agent.SourceCoordinate, complete bool) { srcCh <- sources{m, complete} }))
				src, err := await(ctx, srcCh)
				if err != nil {
					return err
				}

				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "%s (entry %#x, live %d-%d)\n", fn, fn.EntryPoint, fn.BeginTStamp, fn.EndTStamp)
				if coord, ok := src.m[fn.EntryPoint]; ok && coord.Filename != "" {
					fmt.Fprintf(w, "  at %s\n", coord)
				}
				return nil
			})
		},
	}
}

// lookupFunctions returns every function matching name.
func lookupFunctions(ctx context.Context, s *agent.Session, name string) ([]*agent.Function, error) {
	var fns []*agent.Function
	done := make(chan bool, 1)
	s.Send(agent.NewLookupFunctionsQuery(s, name,
		func(fn *agent.Function) { fns = append(fns, fn) },
		func(complete bool) { done <- complete }))
	complete, err := await(ctx, done)
	if err != nil {
		return nil, err
	}
	if !complete {
		return nil, incomplete("lookupGlobalFunctions")
	}
	return fns, nil
}

func (c *cli) loopsCmd() *cobra.Command {
	var start, end int64
	cmd := &cobra.Command{
		Use:   "loops <function>",
		Short: "Find the loops a function executed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withSession(cmd, func(ctx context.Context, s *agent.Session) error {
				fns, err := lookupFunctions(ctx, s, args[0])
				if err != nil {
					return err
				}
				if len(fns) == 0 {
					return fmt.Errorf("no function named %q", args[0])
				}
				fn := fns[0]
				from, to := fn.BeginTStamp, fn.EndTStamp
				if cmd.Flags().Changed("start") {
					from = start
				}
				if cmd.Flags().Changed("end") {
					to = end
				}

				w := cmd.OutOrStdout()
				done := make(chan bool, 1)
				err = search.AnalyzeLoops(s, fn, from, to, search.LoopFuncs{
					OnLoop: func(l search.Loop) {
						fmt.Fprintf(w, "loop at %#x: %d-%d, second iteration %d, last iteration %d\n",
							l.Head.Address, l.Head.TStamp, l.EndTStamp, l.SecondIteration, l.LastIteration)
					},
					OnOutside: func(execs []search.Exec) {
						if len(execs) == 0 {
							return
						}
						fmt.Fprintf(w, "straight-line: %d instructions from %d\n", len(execs), execs[0].TStamp)
					},
					OnDone: func(complete bool) { done <- complete },
				})
				if err != nil {
					return err
				}
				complete, err := await(ctx, done)
				if err != nil {
					return err
				}
				if !complete {
					return incomplete("loop analysis")
				}
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&start, "start", 0, "first timestamp to analyze (default function begin)")
	cmd.Flags().Int64Var(&end, "end", 0, "end of the analyzed interval (default function end)")
	return cmd
}

type varsResult struct {
	vars     []*agent.Variable
	complete bool
}

func (c *cli) localsCmd() *cobra.Command {
	var params bool
	cmd := &cobra.Command{
		Use:   "locals <tstamp>",
		Short: "Print the variables in scope at a timestamp",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tstamp, err := parseInt("tstamp", args[0])
			if err != nil {
				return err
			}
			kind := agent.Locals
			if params {
				kind = agent.Parameters
			}
			return c.withSession(cmd, func(ctx context.Context, s *agent.Session) error {
				ch := make(chan varsResult, 1)
				s.Send(agent.NewGetVariablesQuery(s, tstamp, kind, func(vars []*agent.Variable, complete bool) {
					ch <- varsResult{vars, complete}
				}))
				res, err := await(ctx, ch)
				if err != nil {
					return err
				}
				if !res.complete {
					return incomplete("getLocals")
				}

				mgr := types.NewManager(s, types.WithManagerLogger(c.logger))
				w := cmd.OutOrStdout()
				for _, v := range res.vars {
					typ, err := resolveType(ctx, mgr, v.TypeKey)
					if err != nil {
						return err
					}
					size := typ.Size()
					if size <= 0 || size > int64(c.cfg.Data.EagerLimit) {
						fmt.Fprintf(w, "%s %s\n", typ, v.Identifier)
						continue
					}
					val, err := read(ctx, datasource.NewVariable(s, tstamp, v), 0, int(size))
					if err != nil {
						return err
					}
					fmt.Fprintf(w, "%s %s = %s\n", typ, v.Identifier, formatBytes(val))
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&params, "params", false, "list parameters instead of locals")
	return cmd
}

func resolveType(ctx context.Context, mgr *types.Manager, key string) (types.Type, error) {
	ch := make(chan types.Type, 1)
	mgr.Resolve(key, func(t types.Type) { ch <- t })
	return await(ctx, ch)
}

func formatBytes(r readResult) string {
	var b strings.Builder
	for i, d := range r.data {
		if i > 0 {
			b.WriteByte(' ')
		}
		if r.valid[i] {
			fmt.Fprintf(&b, "%02x", d)
		} else {
			b.WriteString("??")
		}
	}
	return b.String()
}

type keyResult struct {
	key      string
	complete bool
}

func (c *cli) typeCmd() *cobra.Command {
	var namespace, container string
	cmd := &cobra.Command{
		Use:   "type <name>",
		Short: "Describe a global type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withSession(cmd, func(ctx context.Context, s *agent.Session) error {
				ch := make(chan keyResult, 1)
				name := agent.GlobalTypeName{Name: args[0], NamespacePrefix: namespace, ContainerPrefix: container}
				s.Send(agent.NewLookupGlobalTypeQuery(s, name, func(key string, complete bool) {
					ch <- keyResult{key, complete}
				}))
				res, err := await(ctx, ch)
				if err != nil {
					return err
				}
				if !res.complete {
					return incomplete("lookupGlobalType")
				}
				if res.key == "" {
					return fmt.Errorf("no type named %q", args[0])
				}

				mgr := types.NewManager(s, types.WithManagerLogger(c.logger))
				typ, err := resolveType(ctx, mgr, res.key)
				if err != nil {
					return err
				}
				describeType(cmd.OutOrStdout(), typ)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&namespace, "namespace", "", "namespace prefix, such as std::")
	cmd.Flags().StringVar(&container, "container", "", "containing class prefix")
	return cmd
}

func describeType(w io.Writer, typ types.Type) {
	if typ.Size() == types.UnknownSize {
		fmt.Fprintf(w, "%s (size unknown)\n", typ)
	} else {
		fmt.Fprintf(w, "%s (%d bytes)\n", typ, typ.Size())
	}
	st, ok := types.Strip(typ).(*types.Struct)
	if !ok {
		return
	}
	for _, f := range st.Fields {
		if f.BitLength > 0 {
			fmt.Fprintf(w, "  +%d.%d:%d %s %s\n", f.ByteOffset, f.BitOffset, f.BitLength, f.Type, f.Name)
			continue
		}
		fmt.Fprintf(w, "  +%d %s %s\n", f.ByteOffset, f.Type, f.Name)
	}
}

func (c *cli) functionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "functions <name>",
		Short: "List the functions with a name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withSession(cmd, func(ctx context.Context, s *agent.Session) error {
				fns, err := lookupFunctions(ctx, s, args[0])
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				for _, fn := range fns {
					fmt.Fprintf(w, "%s entry %#x live %d-%d", fn, fn.EntryPoint, fn.BeginTStamp, fn.EndTStamp)
					for _, r := range fn.Ranges {
						fmt.Fprintf(w, " %s", r)
					}
					fmt.Fprintln(w)
				}
				return nil
			})
		},
	}
}

type completion struct {
	name string
	kind agent.CompletionKind
}

func (c *cli) completeCmd() *cobra.Command {
	var (
		count         int
		caseSensitive bool
		kinds         []string
	)
	cmd := &cobra.Command{
		Use:   "complete <prefix>",
		Short: "Complete a global name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := agent.AutocompleteRequest{
				Prefix:        args[0],
				CaseSensitive: caseSensitive,
				DesiredCount:  count,
			}
			for _, k := range kinds {
				kind, err := agent.ParseCompletionKind(k)
				if err != nil {
					return err
				}
				req.Kinds = append(req.Kinds, kind)
			}

			return c.withSession(cmd, func(ctx context.Context, s *agent.Session) error {
				var matches []completion
				done := make(chan bool, 1)
				s.Send(agent.NewAutocompleteQuery(s, req,
					func(name string, kind agent.CompletionKind) {
						matches = append(matches, completion{name, kind})
					},
					func(complete bool) { done <- complete }))
				complete, err := await(ctx, done)
				if err != nil {
					return err
				}
				if !complete {
					return incomplete("autocomplete")
				}
				w := cmd.OutOrStdout()
				for _, m := range matches {
					fmt.Fprintf(w, "%-8s %s\n", m.kind, m.name)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 20, "maximum matches")
	cmd.Flags().BoolVar(&caseSensitive, "case-sensitive", false, "match case exactly")
	cmd.Flags().StringSliceVar(&kinds, "kind", nil, "restrict to kinds (variable, function, type)")
	return cmd
}
