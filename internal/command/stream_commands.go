package command

import (
	"context"
	"math"
	"strconv"
	"strings"
	"time"

	"rkv/internal/resp"
	"rkv/internal/stream"
)

// handleXadd implements XADD stream id field value [field value ...]:
// args (which excludes the command name) must be even and at least 4
// long — stream, id, and one or more field/value pairs.
func (d *Dispatcher) handleXadd(args []resp.Value) (resp.Value, bool) {
	if len(args) < 4 || len(args)%2 != 0 {
		return errWrongArgs("xadd"), true
	}
	key, ok := args[0].AsBulkString()
	if !ok {
		return errSyntax(), true
	}
	rawID, ok := args[1].AsBulkString()
	if !ok {
		return errSyntax(), true
	}

	fields := make([]stream.Field, 0, (len(args)-2)/2)
	for i := 2; i < len(args); i += 2 {
		name, ok := args[i].AsBulkString()
		if !ok {
			return errSyntax(), true
		}
		val, ok := args[i+1].AsBulkString()
		if !ok {
			return errSyntax(), true
		}
		fields = append(fields, stream.Field{Name: string(name), Value: string(val)})
	}

	st, ok := d.store.GetOrCreateStream(string(key))
	if !ok {
		return resp.SimpleError("WRONGTYPE Operation against a key holding the wrong kind of value"), true
	}

	id, err := st.Append(string(rawID), uint64(time.Now().UnixMilli()), fields)
	if err != nil {
		return resp.SimpleError(err.Error()), true
	}
	return resp.BulkStringFromString(id.String()), true
}

// handleXrange implements XRANGE stream start end, inclusive on both
// ends. "-" and "+" are accepted as the minimum and maximum possible
// IDs.
func (d *Dispatcher) handleXrange(args []resp.Value) (resp.Value, bool) {
	if len(args) != 3 {
		return errWrongArgs("xrange"), true
	}
	key, ok := args[0].AsBulkString()
	if !ok {
		return errSyntax(), true
	}
	startText, ok := args[1].AsBulkString()
	if !ok {
		return errSyntax(), true
	}
	endText, ok := args[2].AsBulkString()
	if !ok {
		return errSyntax(), true
	}

	start, err := parseRangeBound(string(startText), 0)
	if err != nil {
		return resp.SimpleError("ERR Invalid stream ID specified as stream command argument"), true
	}
	end, err := parseRangeBound(string(endText), math.MaxUint64)
	if err != nil {
		return resp.SimpleError("ERR Invalid stream ID specified as stream command argument"), true
	}

	st, ok := d.store.GetStream(string(key))
	if !ok {
		return resp.Array(nil), true
	}
	return encodeEntries(st.Range(start, end)), true
}

func parseRangeBound(text string, seqIfOmitted uint64) (stream.ID, error) {
	switch text {
	case "-":
		return stream.ID{Ms: 0, Seq: 0}, nil
	case "+":
		return stream.ID{Ms: math.MaxUint64, Seq: math.MaxUint64}, nil
	default:
		return stream.ParseExplicitID(text, seqIfOmitted)
	}
}

// handleXread implements XREAD [BLOCK ms] STREAMS key... id...:
// results are filtered to IDs strictly greater than the supplied id,
// and BLOCK suspends for up to the given ms waiting for new entries
// on any of the listed streams before reading.
func (d *Dispatcher) handleXread(args []resp.Value) (resp.Value, bool) {
	i := 0
	blockMs := int64(-1)
	if i < len(args) {
		if tok, ok := args[i].AsBulkString(); ok && strings.EqualFold(string(tok), "BLOCK") {
			if i+1 >= len(args) {
				return errSyntax(), true
			}
			msText, ok := args[i+1].AsBulkString()
			if !ok {
				return errSyntax(), true
			}
			ms, err := strconv.ParseInt(string(msText), 10, 64)
			if err != nil {
				return resp.SimpleError("ERR timeout is not an integer or out of range"), true
			}
			blockMs = ms
			i += 2
		}
	}

	if i >= len(args) {
		return errSyntax(), true
	}
	tok, ok := args[i].AsBulkString()
	if !ok || !strings.EqualFold(string(tok), "STREAMS") {
		return errSyntax(), true
	}
	i++

	rest := args[i:]
	if len(rest) == 0 || len(rest)%2 != 0 {
		return errWrongArgs("xread"), true
	}
	n := len(rest) / 2
	keys := rest[:n]
	ids := rest[n:]

	resolved := make([]stream.ID, n)
	streams := make([]*stream.Stream, n)
	for k := 0; k < n; k++ {
		idText, ok := ids[k].AsBulkString()
		if !ok {
			return errSyntax(), true
		}
		id, err := stream.ParseExplicitID(string(idText), math.MaxUint64)
		if err != nil {
			return resp.SimpleError("ERR Invalid stream ID specified as stream command argument"), true
		}
		resolved[k] = id

		keyBytes, _ := keys[k].AsBulkString()
		st, ok := d.store.GetStream(string(keyBytes))
		if !ok {
			st = stream.New()
		}
		streams[k] = st
	}

	if blockMs >= 0 {
		if err := blockForNewEntries(streams, blockMs); err != nil {
			return resp.NullArray(), true
		}
	}

	results := make([]resp.Value, 0, n)
	any := false
	for k := 0; k < n; k++ {
		entries := streams[k].After(resolved[k])
		if len(entries) > 0 {
			any = true
		}
		results = append(results, resp.Array([]resp.Value{keys[k], encodeEntries(entries)}))
	}
	if blockMs >= 0 && !any {
		return resp.NullArray(), true
	}
	return resp.Array(results), true
}

// blockForNewEntries suspends the caller until any of streams has a
// new entry appended or blockMs elapses (0 means block indefinitely,
// matching Redis's BLOCK 0 convention). If every slot of the bounded
// waiter pool is taken, it first waits for one to be released. It
// returns a non-nil error only if acquiring a slot fails, which the
// background context used here never causes.
func blockForNewEntries(streams []*stream.Stream, blockMs int64) error {
	ctx := context.Background()
	release, err := stream.AcquireBlockSlot(ctx)
	if err != nil {
		return err
	}
	defer release()

	woken := make(chan struct{}, 1)
	for _, st := range streams {
		go func(ch <-chan struct{}) {
			<-ch
			select {
			case woken <- struct{}{}:
			default:
			}
		}(st.WaitChan())
	}

	if blockMs == 0 {
		<-woken
		return nil
	}

	select {
	case <-woken:
	case <-time.After(time.Duration(blockMs) * time.Millisecond):
	}
	return nil
}

func encodeEntries(entries []stream.Entry) resp.Value {
	items := make([]resp.Value, len(entries))
	for i, e := range entries {
		items[i] = resp.Array([]resp.Value{
			resp.BulkStringFromString(e.ID.String()),
			flattenFields(e.Fields),
		})
	}
	return resp.Array(items)
}

func flattenFields(fields []stream.Field) resp.Value {
	items := make([]resp.Value, 0, len(fields)*2)
	for _, f := range fields {
		items = append(items, resp.BulkStringFromString(f.Name), resp.BulkStringFromString(f.Value))
	}
	return resp.Array(items)
}
