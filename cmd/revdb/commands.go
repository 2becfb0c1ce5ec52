package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/natefinch/atomic"
	flag "github.com/spf13/pflag"

	"github.com/andreyvit/revdb"
	"github.com/andreyvit/revdb/internal/config"
)

func commands() []*Command {
	return []*Command{
		cmdGet(),
		cmdRevs(),
		cmdPut(),
		cmdCreate(),
		cmdDelete(),
		cmdResolve(),
		cmdPurge(),
		cmdChanges(),
		cmdCompact(),
		cmdStats(),
		cmdExport(),
		cmdImport(),
		cmdJournal(),
		cmdConfig(),
	}
}

func usagef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errUsage, fmt.Sprintf(format, args...))
}

func parseRevIDs(ss []string) ([]revdb.RevID, error) {
	ids := make([]revdb.RevID, 0, len(ss))
	for _, s := range ss {
		id, err := revdb.ParseRevID(strings.TrimSpace(s))
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// readBody returns arg, or stdin when arg is "-".
func (env *Env) readBody(arg string) ([]byte, error) {
	if arg != "-" {
		return []byte(arg), nil
	}
	return io.ReadAll(env.In)
}

func (env *Env) printDoc(doc *revdb.Document) error {
	return env.emit(newDocView(doc, false), func(w io.Writer) {
		fmt.Fprintf(w, "%s %v #%d %v\n", doc.DocID(), doc.SelectedRevID(), doc.Sequence(), doc.Flags())
	})
}

func cmdGet() *Command {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	rev := fs.String("rev", "", "revision to show instead of the current one")
	return &Command{
		Flags: fs,
		Usage: "get <docid> [--rev <id>]",
		Short: "Print a document body",
		Exec: func(env *Env, args []string) error {
			if len(args) != 1 {
				return usagef("expected a document ID")
			}
			var id revdb.RevID
			if *rev != "" {
				var err error
				if id, err = revdb.ParseRevID(*rev); err != nil {
					return err
				}
			}
			db, err := env.DB()
			if err != nil {
				return err
			}
			doc, err := db.Get(args[0], true)
			if err != nil {
				return err
			}
			if !id.IsZero() && !doc.SelectRevision(id) {
				return fmt.Errorf("%s@%s: %w", args[0], id, revdb.ErrNotFound)
			}
			return env.emit(newDocView(doc, false), func(w io.Writer) {
				w.Write(doc.SelectedBody())
				fmt.Fprintln(w)
			})
		},
	}
}

func cmdRevs() *Command {
	fs := flag.NewFlagSet("revs", flag.ContinueOnError)
	return &Command{
		Flags: fs,
		Usage: "revs <docid>",
		Short: "Print the revision tree of a document, current revision first",
		Exec: func(env *Env, args []string) error {
			if len(args) != 1 {
				return usagef("expected a document ID")
			}
			db, err := env.DB()
			if err != nil {
				return err
			}
			doc, err := db.Get(args[0], true)
			if err != nil {
				return err
			}
			return env.emit(newDocView(doc, true), func(w io.Writer) {
				io.WriteString(w, doc.DumpTree())
			})
		},
	}
}

func cmdPut() *Command {
	fs := flag.NewFlagSet("put", flag.ContinueOnError)
	parent := fs.String("parent", "", "expected parent revision")
	history := fs.StringSlice("history", nil, "existing revision followed by its ancestors, newest first")
	allowConflict := fs.Bool("allow-conflict", false, "accept a revision that does not extend the current one")
	deleted := fs.Bool("deleted", false, "store a tombstone")
	keepBody := fs.Bool("keep-body", false, "keep the body when the revision stops being a leaf")
	depth := fs.Int("prune", 0, "pruning depth for this save")
	return &Command{
		Flags: fs,
		Usage: "put <docid> [<body>|-] [flags]",
		Short: "Add a revision; with --history, insert a revision received from a peer",
		Exec: func(env *Env, args []string) error {
			if len(args) < 1 || len(args) > 2 {
				return usagef("expected a document ID and an optional body")
			}
			rq := revdb.PutRequest{
				DocID:         args[0],
				AllowConflict: *allowConflict,
				MaxDepth:      *depth,
			}
			if len(args) == 2 {
				body, err := env.readBody(args[1])
				if err != nil {
					return err
				}
				rq.Body = body
			}
			if *deleted {
				rq.Flags |= revdb.RevDeleted
			}
			if *keepBody {
				rq.Flags |= revdb.RevKeepBody
			}
			switch {
			case len(*history) > 0 && *parent != "":
				return usagef("--parent and --history are mutually exclusive")
			case len(*history) > 0:
				ids, err := parseRevIDs(*history)
				if err != nil {
					return err
				}
				rq.ExistingRevision = true
				rq.History = ids
			case *parent != "":
				id, err := revdb.ParseRevID(*parent)
				if err != nil {
					return err
				}
				rq.History = []revdb.RevID{id}
			}

			db, err := env.DB()
			if err != nil {
				return err
			}
			var doc *revdb.Document
			err = db.Update(func(tx *revdb.Tx) error {
				if len(rq.History) == 0 {
					// extend the current revision of a live document
					cur, err := tx.Get(rq.DocID, false)
					if err != nil {
						return err
					}
					if cur.Exists() && !cur.IsDeleted() {
						rq.History = []revdb.RevID{cur.RevID()}
					}
				}
				doc, err = tx.Put(rq)
				return err
			})
			if err != nil {
				return err
			}
			return env.printDoc(doc)
		},
	}
}

func cmdCreate() *Command {
	fs := flag.NewFlagSet("create", flag.ContinueOnError)
	return &Command{
		Flags: fs,
		Usage: "create [<docid>] <body>|-",
		Short: "Create a document; a random ID is used when only the body is given",
		Exec: func(env *Env, args []string) error {
			var docID, bodyArg string
			switch len(args) {
			case 1:
				docID, bodyArg = revdb.NewDocID(), args[0]
			case 2:
				docID, bodyArg = args[0], args[1]
			default:
				return usagef("expected an optional document ID and a body")
			}
			body, err := env.readBody(bodyArg)
			if err != nil {
				return err
			}
			db, err := env.DB()
			if err != nil {
				return err
			}
			var doc *revdb.Document
			err = db.Update(func(tx *revdb.Tx) error {
				doc, err = tx.Create(docID, body, 0)
				return err
			})
			if err != nil {
				return err
			}
			return env.printDoc(doc)
		},
	}
}

func cmdDelete() *Command {
	fs := flag.NewFlagSet("delete", flag.ContinueOnError)
	return &Command{
		Flags: fs,
		Usage: "delete <docid>",
		Short: "Add a tombstone on top of the current revision",
		Exec: func(env *Env, args []string) error {
			if len(args) != 1 {
				return usagef("expected a document ID")
			}
			db, err := env.DB()
			if err != nil {
				return err
			}
			var doc *revdb.Document
			err = db.Update(func(tx *revdb.Tx) error {
				doc, err = tx.Delete(args[0])
				return err
			})
			if err != nil {
				return err
			}
			return env.printDoc(doc)
		},
	}
}

func cmdResolve() *Command {
	fs := flag.NewFlagSet("resolve", flag.ContinueOnError)
	body := fs.String("body", "", "merged body (- reads stdin); defaults to the winner's body")
	deleted := fs.Bool("deleted", false, "resolve to a tombstone")
	return &Command{
		Flags: fs,
		Usage: "resolve <docid> <winning-rev> <losing-rev> [flags]",
		Short: "End a conflict by merging two leaves",
		Exec: func(env *Env, args []string) error {
			if len(args) != 3 {
				return usagef("expected a document ID and two revision IDs")
			}
			ids, err := parseRevIDs(args[1:])
			if err != nil {
				return err
			}
			var merged []byte
			if fs.Changed("body") {
				if merged, err = env.readBody(*body); err != nil {
					return err
				}
			}
			var flags revdb.RevFlags
			if *deleted {
				flags |= revdb.RevDeleted
			}

			db, err := env.DB()
			if err != nil {
				return err
			}
			var doc *revdb.Document
			err = db.Update(func(tx *revdb.Tx) error {
				doc, err = tx.Get(args[0], true)
				if err != nil {
					return err
				}
				if merged == nil && !*deleted {
					if win := doc.Tree().Get(ids[0]); win != nil {
						merged = win.Body
					}
				}
				if err := doc.ResolveConflict(tx, ids[0], ids[1], merged, flags); err != nil {
					return err
				}
				return doc.Save(tx, 0)
			})
			if err != nil {
				return err
			}
			return env.printDoc(doc)
		},
	}
}

func cmdPurge() *Command {
	fs := flag.NewFlagSet("purge", flag.ContinueOnError)
	return &Command{
		Flags: fs,
		Usage: "purge <docid> [<rev>...]",
		Short: "Remove revisions and their descendants, or the whole document",
		Exec: func(env *Env, args []string) error {
			if len(args) < 1 {
				return usagef("expected a document ID")
			}
			ids, err := parseRevIDs(args[1:])
			if err != nil {
				return err
			}
			db, err := env.DB()
			if err != nil {
				return err
			}
			var removed int
			err = db.Update(func(tx *revdb.Tx) error {
				if len(ids) == 0 {
					return tx.PurgeDoc(args[0])
				}
				doc, err := tx.Get(args[0], true)
				if err != nil {
					return err
				}
				for _, id := range ids {
					n, err := doc.PurgeRevision(tx, id)
					if err != nil {
						return err
					}
					removed += n
				}
				return doc.Save(tx, 0)
			})
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				fmt.Fprintf(env.Out, "purged %s\n", args[0])
			} else {
				fmt.Fprintf(env.Out, "purged %d revisions of %s\n", removed, args[0])
			}
			return nil
		},
	}
}

func cmdChanges() *Command {
	fs := flag.NewFlagSet("changes", flag.ContinueOnError)
	since := fs.Uint64("since", 0, "only list documents saved after this sequence")
	limit := fs.Int("limit", 0, "maximum number of changes")
	return &Command{
		Flags: fs,
		Usage: "changes [--since <seq>] [--limit <n>]",
		Short: "List documents by their latest sequence",
		Exec: func(env *Env, args []string) error {
			if len(args) != 0 {
				return usagef("unexpected arguments")
			}
			db, err := env.DB()
			if err != nil {
				return err
			}
			var changes []revdb.Change
			err = db.ReadErr(func(tx *revdb.Tx) error {
				changes, err = tx.ChangesSince(*since, *limit)
				return err
			})
			if err != nil {
				return err
			}
			views := make([]changeView, 0, len(changes))
			for _, chg := range changes {
				views = append(views, newChangeView(chg))
			}
			return env.emit(views, func(w io.Writer) {
				for _, v := range views {
					fmt.Fprintf(w, "%d %s %s %s\n", v.Sequence, v.DocID, v.RevID, v.Flags)
				}
			})
		},
	}
}

func cmdCompact() *Command {
	fs := flag.NewFlagSet("compact", flag.ContinueOnError)
	depth := fs.Int("depth", 0, "pruning depth; 0 uses the store default")
	return &Command{
		Flags: fs,
		Usage: "compact [--depth <n>]",
		Short: "Re-prune every document and drop non-leaf bodies",
		Exec: func(env *Env, args []string) error {
			db, err := env.DB()
			if err != nil {
				return err
			}
			var n int
			err = db.Update(func(tx *revdb.Tx) error {
				n, err = tx.Compact(*depth)
				return err
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(env.Out, "compacted %d documents\n", n)
			return nil
		},
	}
}

type statsView struct {
	Docs         int    `json:"docs" yaml:"docs"`
	LastSequence uint64 `json:"last_sequence" yaml:"last_sequence"`
	Size         int64  `json:"size" yaml:"size"`
	Mode         string `json:"mode" yaml:"mode"`
	PeerID       string `json:"peer_id" yaml:"peer_id"`
	Digest       string `json:"digest" yaml:"digest"`
}

func cmdStats() *Command {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	return &Command{
		Flags: fs,
		Usage: "stats",
		Short: "Print store statistics",
		Exec: func(env *Env, args []string) error {
			db, err := env.DB()
			if err != nil {
				return err
			}
			var s revdb.Stats
			err = db.ReadErr(func(tx *revdb.Tx) error {
				s, err = tx.Stats()
				return err
			})
			if err != nil {
				return err
			}
			v := statsView{
				Docs:         s.Docs,
				LastSequence: s.LastSequence,
				Size:         s.Size,
				Mode:         db.Mode().String(),
				PeerID:       db.PeerID(),
				Digest:       db.Digester().Name(),
			}
			return env.emit(v, func(w io.Writer) {
				fmt.Fprintf(w, "docs: %d\nlast_sequence: %d\nsize: %d\nmode: %s\npeer: %s\ndigest: %s\n", v.Docs, v.LastSequence, v.Size, v.Mode, v.PeerID, v.Digest)
			})
		},
	}
}

// exportedDoc is one line of an export file.
type exportedDoc struct {
	DocID   string   `json:"doc_id"`
	History []string `json:"history"`
	Deleted bool     `json:"deleted,omitempty"`
	Body    string   `json:"body"`
}

func cmdExport() *Command {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	all := fs.Bool("all-leaves", false, "export every leaf, not just the current revision")
	return &Command{
		Flags: fs,
		Usage: "export <file> [--all-leaves]",
		Short: "Write documents as JSON lines, replacing the file atomically",
		Exec: func(env *Env, args []string) error {
			if len(args) != 1 {
				return usagef("expected an output file")
			}
			db, err := env.DB()
			if err != nil {
				return err
			}
			var buf bytes.Buffer
			enc := json.NewEncoder(&buf)
			var count int
			err = db.ReadErr(func(tx *revdb.Tx) error {
				docIDs, err := tx.AllDocIDs()
				if err != nil {
					return err
				}
				for _, docID := range docIDs {
					doc, err := tx.Get(docID, false)
					if err != nil {
						return err
					}
					for ok := true; ok; ok = *all && doc.SelectNextLeafRevision(true) {
						if err := enc.Encode(exportDoc(doc)); err != nil {
							return err
						}
						count++
					}
				}
				return nil
			})
			if err != nil {
				return err
			}
			if err := atomic.WriteFile(args[0], &buf); err != nil {
				return err
			}
			env.Log.WithField("file", args[0]).Debugf("exported %d revisions", count)
			fmt.Fprintf(env.Out, "exported %d revisions\n", count)
			return nil
		},
	}
}

func exportDoc(doc *revdb.Document) exportedDoc {
	e := exportedDoc{
		DocID:   doc.DocID(),
		Deleted: doc.SelectedFlags()&revdb.RevDeleted != 0,
		Body:    string(doc.SelectedBody()),
	}
	for _, id := range doc.SelectedHistory() {
		e.History = append(e.History, id.String())
	}
	return e
}

func cmdImport() *Command {
	fs := flag.NewFlagSet("import", flag.ContinueOnError)
	return &Command{
		Flags: fs,
		Usage: "import <file>",
		Short: "Insert the revisions of an export file, keeping their IDs",
		Exec: func(env *Env, args []string) error {
			if len(args) != 1 {
				return usagef("expected an input file")
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			db, err := env.DB()
			if err != nil {
				return err
			}
			var count int
			err = db.Update(func(tx *revdb.Tx) error {
				dec := json.NewDecoder(bytes.NewReader(data))
				for dec.More() {
					var e exportedDoc
					if err := dec.Decode(&e); err != nil {
						return err
					}
					history, err := parseRevIDs(e.History)
					if err != nil {
						return err
					}
					rq := revdb.PutRequest{
						DocID:            e.DocID,
						Body:             []byte(e.Body),
						ExistingRevision: true,
						AllowConflict:    true,
						History:          history,
					}
					if e.Deleted {
						rq.Flags = revdb.RevDeleted
					}
					if _, err := tx.Put(rq); err != nil {
						return err
					}
					count++
				}
				return nil
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(env.Out, "imported %d revisions\n", count)
			return nil
		},
	}
}

func cmdJournal() *Command {
	fs := flag.NewFlagSet("journal", flag.ContinueOnError)
	return &Command{
		Flags: fs,
		Usage: "journal [<dir>]",
		Short: "Print the change journal",
		Exec: func(env *Env, args []string) error {
			dir := env.Config.JournalDir
			if len(args) == 1 {
				dir = args[0]
			} else if len(args) > 1 {
				return usagef("expected at most one directory")
			}
			if dir == "" {
				return usagef("no journal directory configured")
			}
			var views []changeView
			err := revdb.ReadJournal(dir, func(ts time.Time, chg revdb.Change) error {
				v := newChangeView(chg)
				v.Time = ts.Format(time.RFC3339)
				views = append(views, v)
				return nil
			})
			if err != nil {
				return err
			}
			return env.emit(views, func(w io.Writer) {
				for _, v := range views {
					fmt.Fprintf(w, "%s %s %d %s %s %s\n", v.Time, v.Op, v.Sequence, v.DocID, v.RevID, v.Flags)
				}
			})
		},
	}
}

func cmdConfig() *Command {
	fs := flag.NewFlagSet("config", flag.ContinueOnError)
	return &Command{
		Flags: fs,
		Usage: "config",
		Short: "Print the effective configuration",
		Exec: func(env *Env, args []string) error {
			return env.emit(env.Config, func(w io.Writer) {
				s, err := config.Format(env.Config)
				if err != nil {
					fmt.Fprintln(w, err)
					return
				}
				fmt.Fprintln(w, s)
			})
		},
	}
}
