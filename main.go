// Command heapprofd-analyze replays a serialized heap-graph frame dump
// through the tracker and emits the folded retention flamegraph, either
// as a text table or as a pprof profile.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/peterbourgon/ff/v3"
	log "github.com/sirupsen/logrus"

	"github.com/AndrewB330/heapprofd/heapgraph"
)

// frame is one line of the JSONL dump. Exactly one of the payload
// fields is set per frame.
type frame struct {
	Seq uint32 `json:"seq"`

	PacketIndex *uint64 `json:"packet_index,omitempty"`

	LocationName *struct {
		IID uint64 `json:"iid"`
		Str string `json:"str"`
	} `json:"location_name,omitempty"`

	Type *struct {
		IID         uint64  `json:"iid"`
		Name        string  `json:"name"`
		LocationIID *uint64 `json:"location_iid,omitempty"`
	} `json:"type,omitempty"`

	FieldName *struct {
		IID uint64 `json:"iid"`
		Str string `json:"str"`
	} `json:"field_name,omitempty"`

	Object *struct {
		Upid       uint32 `json:"upid"`
		TS         int64  `json:"ts"`
		ObjectID   uint64 `json:"object_id"`
		SelfSize   uint64 `json:"self_size"`
		TypeID     uint64 `json:"type_id"`
		References []struct {
			FieldNameIID  uint64 `json:"field_name_iid"`
			OwnedObjectID uint64 `json:"owned_object_id"`
		} `json:"references,omitempty"`
	} `json:"object,omitempty"`

	Root *struct {
		Upid      uint32   `json:"upid"`
		TS        int64    `json:"ts"`
		RootType  string   `json:"root_type"`
		ObjectIDs []uint64 `json:"object_ids"`
	} `json:"root,omitempty"`

	Finalize bool `json:"finalize,omitempty"`
}

func main() {
	fs := flag.NewFlagSet("heapprofd-analyze", flag.ExitOnError)
	var (
		input   = fs.String("input", "", "heap-graph frame dump (JSON lines), - for stdin")
		upid    = fs.Uint("upid", 0, "process to build the flamegraph for")
		ts      = fs.Int64("ts", 0, "graph sample timestamp to build the flamegraph for")
		pprofTo = fs.String("pprof", "", "write a pprof profile to this path instead of printing a table")
		verbose = fs.Bool("verbose", false, "enable debug logging")
	)
	if err := ff.Parse(fs, os.Args[1:], ff.WithEnvVarPrefix("HEAPPROFD_ANALYZE")); err != nil {
		log.WithError(err).Fatal("parsing flags")
	}
	if *verbose {
		log.SetLevel(log.DebugLevel)
	}
	if *input == "" {
		log.Fatal("-input is required")
	}

	in := io.Reader(os.Stdin)
	if *input != "-" {
		f, err := os.Open(*input)
		if err != nil {
			log.WithError(err).Fatal("opening input")
		}
		defer f.Close()
		in = f
	}

	tracker := heapgraph.NewTracker(heapgraph.NewStorage())
	if err := replay(tracker, in); err != nil {
		log.WithError(err).Fatal("replaying frames")
	}
	tracker.NotifyEndOfFile()
	reportStats(tracker.Storage().Stats)

	rows := tracker.BuildFlamegraph(heapgraph.UniquePid(*upid), *ts)
	if rows == nil {
		log.Fatalf("no roots recorded for upid=%d ts=%d", *upid, *ts)
	}

	if *pprofTo != "" {
		out, err := os.Create(*pprofTo)
		if err != nil {
			log.WithError(err).Fatal("creating pprof output")
		}
		defer out.Close()
		if err := tracker.ToPprof(rows).Write(out); err != nil {
			log.WithError(err).Fatal("writing pprof output")
		}
		log.WithField("rows", len(rows)).Infof("wrote %s", *pprofTo)
		return
	}

	printRows(tracker, rows)
}

func replay(tracker *heapgraph.Tracker, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<24)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var f frame
		if err := json.Unmarshal([]byte(text), &f); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		switch {
		case f.PacketIndex != nil:
			tracker.SetPacketIndex(f.Seq, *f.PacketIndex)
		case f.LocationName != nil:
			tracker.AddInternedLocationName(f.Seq, f.LocationName.IID, f.LocationName.Str)
		case f.Type != nil:
			var locationIID uint64
			hasLocation := f.Type.LocationIID != nil
			if hasLocation {
				locationIID = *f.Type.LocationIID
			}
			tracker.AddInternedType(f.Seq, f.Type.IID, f.Type.Name, locationIID, hasLocation)
		case f.FieldName != nil:
			tracker.AddInternedFieldName(f.Seq, f.FieldName.IID, f.FieldName.Str)
		case f.Object != nil:
			obj := heapgraph.SourceObject{
				ObjectID: f.Object.ObjectID,
				SelfSize: f.Object.SelfSize,
				TypeID:   f.Object.TypeID,
			}
			for _, ref := range f.Object.References {
				obj.References = append(obj.References, heapgraph.SourceReference{
					FieldNameIID:  ref.FieldNameIID,
					OwnedObjectID: ref.OwnedObjectID,
				})
			}
			tracker.AddObject(f.Seq, heapgraph.UniquePid(f.Object.Upid), f.Object.TS, obj)
		case f.Root != nil:
			tracker.AddRoot(f.Seq, heapgraph.UniquePid(f.Root.Upid), f.Root.TS, heapgraph.SourceRoot{
				RootType:  f.Root.RootType,
				ObjectIDs: f.Root.ObjectIDs,
			})
		case f.Finalize:
			tracker.FinalizeProfile(f.Seq)
		default:
			log.Debugf("line %d: empty frame, skipping", line)
		}
	}
	return scanner.Err()
}

func reportStats(stats heapgraph.Stats) {
	if stats.MissingPackets > 0 {
		log.Warnf("%d missing packets", stats.MissingPackets)
	}
	if stats.NonFinalizedGraphs > 0 {
		log.Warnf("%d non-finalized graphs", stats.NonFinalizedGraphs)
	}
	if stats.InvalidStringIDs > 0 {
		log.Warnf("%d invalid string ids", stats.InvalidStringIDs)
	}
	if stats.LocationParseErrors > 0 {
		log.Warnf("%d location parse errors", stats.LocationParseErrors)
	}
}

func printRows(tracker *heapgraph.Tracker, rows []heapgraph.FlamegraphRow) {
	w := bufio.NewWriter(os.Stdout)
	defer w.Flush()
	fmt.Fprintf(w, "%-6s %-50s %12s %12s %8s %8s\n",
		"depth", "type", "self", "cumulative", "count", "cum")
	for i := range rows {
		row := &rows[i]
		indent := strings.Repeat("  ", int(row.Depth))
		name := indent + tracker.Storage().Strings.Get(row.Name)
		if len(name) > 50 {
			name = name[:47] + "..."
		}
		fmt.Fprintf(w, "%-6d %-50s %12d %12d %8d %8d\n",
			row.Depth, name, row.Size, row.CumulativeSize, row.Count, row.CumulativeCount)
	}
}
