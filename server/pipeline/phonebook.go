package pipeline

import (
	"context"
	"sort"
	"time"

	"github.com/deuxdrop/chat/server/concurrency"
	"github.com/deuxdrop/chat/server/logs"
	"github.com/deuxdrop/chat/server/store/types"
)

// PhonebookScan queries all directories concurrently and returns whatever they answered
// before the timeout. Partial results are a success. It fails only if every directory
// failed. Entries are unique by root key, the first answer wins.
func PhonebookScan(ctx context.Context, pool *concurrency.GoRoutinePool, dirs []Directory, query string,
	timeout time.Duration) ([]PhonebookEntry, error) {

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type answer struct {
		source  string
		entries []PhonebookEntry
		err     error
	}
	// Buffered so that late answers do not block the workers.
	answers := make(chan answer, len(dirs))
	for _, dir := range dirs {
		dir := dir // per-iteration copy; go.mod targets go1.21 loop semantics
		name := dir.Name()
		lookup := func() {
			entries, err := dir.Lookup(ctx, query)
			answers <- answer{source: name, entries: entries, err: err}
		}
		if pool == nil {
			go lookup()
		} else if err := pool.ScheduleContext(ctx, lookup); err != nil {
			answers <- answer{source: name, err: err}
		}
	}

	seen := map[string]bool{}
	var out []PhonebookEntry
	var firstErr error
	failed := 0

collect:
	for pending := len(dirs); pending > 0; pending-- {
		select {
		case a := <-answers:
			if a.err != nil {
				logs.Warn.Printf("phonebook: directory '%s' failed: %v", a.source, a.err)
				if firstErr == nil {
					firstErr = a.err
				}
				failed++
				continue
			}
			for _, e := range a.entries {
				if e.RootKey == "" || seen[e.RootKey] {
					continue
				}
				seen[e.RootKey] = true
				e.Source = a.source
				out = append(out, e)
			}
		case <-ctx.Done():
			logs.Info.Printf("phonebook: %d of %d directories did not answer in time", pending, len(dirs))
			break collect
		}
	}

	if len(dirs) > 0 && failed == len(dirs) {
		return nil, types.Wrap(types.ErrApparentOutageMaybeLater, firstErr, "phonebook")
	}

	sort.Slice(out, func(i, j int) bool { return out[i].RootKey < out[j].RootKey })
	return out, nil
}
