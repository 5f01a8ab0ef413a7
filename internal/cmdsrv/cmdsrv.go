// Package cmdsrv runs one command-client connection's state machine and
// command loop (C8): authentication, target selection, device command
// dispatch, meta-commands, preset execution, and the "db" façade onto
// location storage and CSV export (spec.md Section 4.8).
package cmdsrv

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	appversion "github.com/g7ctrl/g7ctrld/internal/version"

	"github.com/g7ctrl/g7ctrld/internal/dispatch"
	"github.com/g7ctrl/g7ctrld/internal/export"
	"github.com/g7ctrl/g7ctrld/internal/geocache"
	"github.com/g7ctrl/g7ctrld/internal/metrics"
	"github.com/g7ctrl/g7ctrld/internal/preset"
	"github.com/g7ctrl/g7ctrld/internal/proto"
	"github.com/g7ctrl/g7ctrld/internal/ratelimit"
	"github.com/g7ctrl/g7ctrld/internal/replytext"
)

// defaultCommandTimeout applies to any device command with no entry in
// Config.CommandTimeouts.
const defaultCommandTimeout = 5 * time.Second

// DB is the subset of *store.LocationStore the "db" façade needs.
type DB interface {
	Query(ctx context.Context, deviceID uint64, from, to time.Time) ([]*proto.LocationRecord, error)
	DeleteRange(ctx context.Context, deviceID uint64, from, to time.Time) (int64, error)
	Size(ctx context.Context) (int64, error)
}

// NicknameRegistry maps an operator-chosen short name to a dispatch
// target, shared by every command client connected to the daemon
// (spec.md Section 4.8's ".nick"/".ln"/".dn" meta-commands).
type NicknameRegistry struct {
	mu    sync.RWMutex
	names map[string]dispatch.Target
}

// NewNicknameRegistry returns an empty NicknameRegistry.
func NewNicknameRegistry() *NicknameRegistry {
	return &NicknameRegistry{names: make(map[string]dispatch.Target)}
}

// Set records name as an alias for target, replacing any prior alias.
func (n *NicknameRegistry) Set(name string, target dispatch.Target) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.names[name] = target
}

// Delete removes name, reporting whether it existed.
func (n *NicknameRegistry) Delete(name string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.names[name]
	delete(n.names, name)
	return ok
}

// Get resolves name to its target.
func (n *NicknameRegistry) Get(name string) (dispatch.Target, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	t, ok := n.names[name]
	return t, ok
}

// List returns every name currently registered, in no particular order.
func (n *NicknameRegistry) List() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()

	out := make([]string, 0, len(n.names))
	for name := range n.names {
		out = append(out, name)
	}
	return out
}

// ConnectedTrackers reports the set of GPRS device ids with a live
// session, used by the ".ld" meta-command, and lets an operator end a
// device's automatic GFEN tracking early via ".gfenstop".
type ConnectedTrackers interface {
	Connected(deviceID uint64) bool
	List() []uint64
	StopGFEN(deviceID uint64) bool
}

// Config bundles a command worker's collaborators and policy knobs.
type Config struct {
	AuthRequired bool
	Password     string

	// IdleTimeout closes a command client that has sent nothing for this
	// long (spec.md Section 6 clientIdleTimeout, Section 5's named
	// cancellable timeouts).
	IdleTimeout time.Duration

	// EnableRawDeviceCommands allows get/set/do commands outside
	// Translator's known command names; when false, unknown names are
	// rejected (spec.md Section 6: "if off, commands not in the known
	// command list are rejected").
	EnableRawDeviceCommands bool

	Dispatcher *dispatch.Dispatcher
	Presets    *preset.Registry
	DB         DB
	Exporter   func(lines []*proto.LocationRecord) (string, error)

	AddressCache *geocache.AddressCache
	MinimapCache *geocache.MinimapCache
	RateLimiters *ratelimit.Registry
	Nicknames    *NicknameRegistry
	Translator   replytext.Table
	Trackers     ConnectedTrackers

	CommandTimeouts map[string]time.Duration

	Binary string

	Metrics *metrics.Collector
	Logger  *slog.Logger
}

// Worker implements registry.Worker for command-client connections.
type Worker struct {
	cfg Config
}

// New returns a command-client Worker.
func New(cfg Config) *Worker { return &Worker{cfg: cfg} }

// session holds one connection's mutable per-client state: target
// selection and the reply-translation toggle (spec.md Section 3,
// ClientSlot).
type session struct {
	selection *dispatch.Selection
	translate bool
}

// Run drives the NEW -> AUTH -> READY -> command loop -> CLOSING state
// machine over conn until the client disconnects, sends exit/quit, or ctx
// is cancelled.
func (w *Worker) Run(ctx context.Context, conn net.Conn, slot int) {
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	r := bufio.NewReader(conn)

	if w.cfg.AuthRequired {
		if !w.authenticate(r, conn) {
			return
		}
	}

	w.writeLine(conn, "Ready.")

	sess := &session{selection: dispatch.NewSelection(), translate: true}

	for {
		if w.cfg.IdleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(w.cfg.IdleTimeout))
		}

		line, err := r.ReadString('\n')
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				w.writeLine(conn, "ERR: idle timeout")
			}
			return
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		if strings.EqualFold(line, "exit") || strings.EqualFold(line, "quit") {
			w.writeLine(conn, "Bye.")
			return
		}

		w.dispatchLine(ctx, conn, sess, line)
	}
}

// authenticate runs the AUTH state, returning false (having already
// closed the connection's banner) if the client should be dropped.
func (w *Worker) authenticate(r *bufio.Reader, conn net.Conn) bool {
	auth := dispatch.NewAuthenticator(true, w.cfg.Password)

	for {
		w.writeLine(conn, "Password:")

		if w.cfg.IdleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(w.cfg.IdleTimeout))
		}

		line, err := r.ReadString('\n')
		if err != nil {
			return false
		}
		line = strings.TrimRight(line, "\r\n")

		ok, err := auth.Check(line)
		if ok {
			return true
		}
		if errors.Is(err, dispatch.ErrAuthFailed) {
			w.writeLine(conn, "Authentication failed.")
			return false
		}
		w.writeLine(conn, "Authentication failed.")
	}
}

func (w *Worker) writeLine(conn net.Conn, s string) {
	_, _ = conn.Write([]byte(s + "\r\n"))
}

// dispatchLine routes one command-loop line per spec.md Section 4.8.
func (w *Worker) dispatchLine(ctx context.Context, conn net.Conn, sess *session, line string) {
	switch {
	case strings.HasPrefix(line, "."):
		w.dispatchMeta(conn, sess, line)
	case strings.HasPrefix(strings.ToLower(line), "preset "):
		w.dispatchPreset(ctx, conn, sess, line)
	case strings.HasPrefix(strings.ToLower(line), "db "):
		w.dispatchDB(ctx, conn, line)
	case hasDeviceVerb(line):
		w.dispatchDeviceCommand(ctx, conn, sess, line)
	default:
		w.writeLine(conn, "ERR: unrecognised command")
	}
}

func hasDeviceVerb(line string) bool {
	verb := strings.ToLower(firstField(line))
	return verb == "get" || verb == "set" || verb == "do"
}

func firstField(line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// dispatchDeviceCommand implements the device-dispatch algorithm (spec.md
// Section 4.8): resolve the current target, issue through the dispatcher,
// and render OK/ERR/timeout/transport-error back to the client.
func (w *Worker) dispatchDeviceCommand(ctx context.Context, conn net.Conn, sess *session, line string) {
	name, args, err := parseDeviceCommand(line)
	if err != nil {
		w.writeLine(conn, "ERR: "+err.Error())
		return
	}

	if !w.cfg.EnableRawDeviceCommands && !w.cfg.Translator.Known(strings.ToUpper(name)) {
		w.writeLine(conn, "ERR: unknown command "+name)
		return
	}

	target := sess.selection.Current()
	reply, err := w.issue(ctx, target, name, args, sess.translate)
	w.writeLine(conn, renderIssueResult(reply, err))
}

// issue is the single call path shared by direct device commands and
// preset expansion, keeping their error handling and metrics identical.
func (w *Worker) issue(ctx context.Context, target dispatch.Target, name string, args []string, translate bool) (*dispatch.Reply, error) {
	timeout := w.commandTimeout(name)

	if w.cfg.Metrics != nil {
		w.cfg.Metrics.RecordCommand(name)
	}

	reply, err := w.cfg.Dispatcher.Issue(ctx, target, name, args, timeout, translate)
	if errors.Is(err, dispatch.ErrTimeout) && w.cfg.Metrics != nil {
		w.cfg.Metrics.RecordCommandTimeout(name)
	}
	return reply, err
}

func (w *Worker) commandTimeout(name string) time.Duration {
	if t, ok := w.cfg.CommandTimeouts[strings.ToUpper(name)]; ok {
		return t
	}
	return defaultCommandTimeout
}

func renderIssueResult(reply *dispatch.Reply, err error) string {
	switch {
	case errors.Is(err, dispatch.ErrTimeout):
		return "ERR: timeout contacting device"
	case err != nil:
		return "ERR: " + err.Error()
	case !reply.OK:
		return "ERR: " + reply.Rendered
	default:
		return "OK: " + reply.Rendered
	}
}

// parseDeviceCommand parses "get NAME", "set NAME=a,b,c", or "do NAME"
// into a device command name and argument list (spec.md Section 3,
// DeviceCommand).
func parseDeviceCommand(line string) (name string, args []string, err error) {
	fields := strings.SplitN(line, " ", 2)
	if len(fields) != 2 || strings.TrimSpace(fields[1]) == "" {
		return "", nil, fmt.Errorf("missing command name")
	}

	rest := strings.TrimSpace(fields[1])

	eq := strings.Index(rest, "=")
	if eq < 0 {
		return rest, nil, nil
	}

	name = rest[:eq]
	argsPart := rest[eq+1:]
	if argsPart == "" {
		return name, nil, nil
	}
	return name, strings.Split(argsPart, ","), nil
}

// dispatchPreset handles "preset use NAME", expanding and issuing every
// command in the named preset through the dispatcher (spec.md Section
// 4.4).
func (w *Worker) dispatchPreset(ctx context.Context, conn net.Conn, sess *session, line string) {
	fields := strings.Fields(line)
	if len(fields) != 3 || !strings.EqualFold(fields[1], "use") {
		w.writeLine(conn, "ERR: usage: preset use NAME")
		return
	}

	target := sess.selection.Current()
	issuer := presetIssuer{worker: w, ctx: ctx, target: target, translate: sess.translate}

	replies, err := w.cfg.Presets.Execute(fields[2], map[string]string{}, issuer)
	for _, r := range replies {
		w.writeLine(conn, r)
	}
	if err != nil {
		w.writeLine(conn, "ERR: "+err.Error())
		return
	}
	w.writeLine(conn, "OK: preset complete")
}

// presetIssuer adapts Worker.issue to preset.Issuer.
type presetIssuer struct {
	worker    *Worker
	ctx       context.Context
	target    dispatch.Target
	translate bool
}

func (p presetIssuer) IssueCommand(line string) (ok bool, reply string, err error) {
	name, args, err := parseDeviceCommand("do " + line)
	if err != nil {
		return false, "", err
	}

	out, err := p.worker.issue(p.ctx, p.target, name, args, p.translate)
	if err != nil {
		return false, err.Error(), nil
	}
	return out.OK, out.Rendered, nil
}

// dispatchDB implements the "db" façade over location storage and CSV
// export (spec.md Section 4.8: "delegate to the exporter/store façade").
func (w *Worker) dispatchDB(ctx context.Context, conn net.Conn, line string) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		w.writeLine(conn, "ERR: usage: db query|delete|size|export ...")
		return
	}

	switch strings.ToLower(fields[1]) {
	case "size":
		n, err := w.cfg.DB.Size(ctx)
		if err != nil {
			w.writeLine(conn, "ERR: "+err.Error())
			return
		}
		w.writeLine(conn, fmt.Sprintf("OK: %d records", n))

	case "query", "export":
		deviceID, from, to, err := parseDBRange(fields)
		if err != nil {
			w.writeLine(conn, "ERR: "+err.Error())
			return
		}

		records, err := w.cfg.DB.Query(ctx, deviceID, from, to)
		if err != nil {
			w.writeLine(conn, "ERR: "+err.Error())
			return
		}

		if strings.ToLower(fields[1]) == "export" {
			w.writeDBExport(conn, records)
			return
		}

		for _, r := range records {
			w.writeLine(conn, r.Serialize())
		}
		w.writeLine(conn, fmt.Sprintf("OK: %d records", len(records)))

	case "delete":
		deviceID, from, to, err := parseDBRange(fields)
		if err != nil {
			w.writeLine(conn, "ERR: "+err.Error())
			return
		}

		n, err := w.cfg.DB.DeleteRange(ctx, deviceID, from, to)
		if err != nil {
			w.writeLine(conn, "ERR: "+err.Error())
			return
		}
		w.writeLine(conn, fmt.Sprintf("OK: %d records deleted", n))

	default:
		w.writeLine(conn, "ERR: unknown db subcommand")
	}
}

func (w *Worker) writeDBExport(conn net.Conn, records []*proto.LocationRecord) {
	csvText, err := w.cfg.Exporter(records)
	if err != nil {
		w.writeLine(conn, "ERR: "+err.Error())
		return
	}
	for _, l := range strings.Split(strings.TrimRight(csvText, "\n"), "\n") {
		w.writeLine(conn, l)
	}
	w.writeLine(conn, fmt.Sprintf("OK: %d records exported", len(records)))
}

// parseDBRange parses "db <verb> <deviceId> <fromRFC3339> <toRFC3339>".
func parseDBRange(fields []string) (deviceID uint64, from, to time.Time, err error) {
	if len(fields) != 5 {
		return 0, time.Time{}, time.Time{}, fmt.Errorf("usage: db %s <deviceId> <from> <to>", fields[1])
	}

	deviceID, err = strconv.ParseUint(fields[2], 10, 64)
	if err != nil {
		return 0, time.Time{}, time.Time{}, fmt.Errorf("bad device id %q", fields[2])
	}

	from, err = time.Parse(time.RFC3339, fields[3])
	if err != nil {
		return 0, time.Time{}, time.Time{}, fmt.Errorf("bad from time %q", fields[3])
	}

	to, err = time.Parse(time.RFC3339, fields[4])
	if err != nil {
		return 0, time.Time{}, time.Time{}, fmt.Errorf("bad to time %q", fields[4])
	}

	return deviceID, from, to, nil
}

// dispatchMeta handles every "."-prefixed client-local command (spec.md
// Section 4.8).
func (w *Worker) dispatchMeta(conn net.Conn, sess *session, line string) {
	fields := strings.Fields(line)
	cmd := strings.ToLower(fields[0])
	args := fields[1:]

	switch cmd {
	case ".use":
		w.metaUse(conn, sess, args)
	case ".usb":
		w.metaUSB(conn, sess, args)
	case ".target":
		w.writeLine(conn, "OK: "+describeTarget(sess.selection.Current()))
	case ".table":
		sess.translate = !sess.translate
		w.writeLine(conn, fmt.Sprintf("OK: reply translation %s", onOff(sess.translate)))
	case ".ver":
		for _, l := range strings.Split(appversion.Full(w.cfg.Binary), "\n") {
			w.writeLine(conn, l)
		}
	case ".date":
		w.writeLine(conn, "OK: "+time.Now().UTC().Format(time.RFC3339))
	case ".cachestat":
		w.metaCacheStat(conn)
	case ".address":
		w.metaAddress(conn, args)
	case ".ratereset":
		w.metaRateReset(conn, args)
	case ".nick":
		w.metaNick(conn, sess, args)
	case ".ln":
		w.metaListNicknames(conn)
	case ".dn":
		w.metaDeleteNickname(conn, args)
	case ".lc":
		w.writeLine(conn, "OK: client list not tracked per-process")
	case ".ld":
		w.metaListDevices(conn)
	case ".gfenstop":
		w.metaGFENStop(conn, args)
	default:
		w.writeLine(conn, "ERR: unknown meta-command "+cmd)
	}
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func describeTarget(t dispatch.Target) string {
	if t.Kind == dispatch.KindUSB {
		return fmt.Sprintf("usb:%d", t.USBIndex)
	}
	return fmt.Sprintf("device:%d", t.DeviceID)
}

func (w *Worker) metaUse(conn net.Conn, sess *session, args []string) {
	if len(args) != 1 {
		w.writeLine(conn, "ERR: usage: .use <deviceId>")
		return
	}

	if w.cfg.Nicknames != nil {
		if t, ok := w.cfg.Nicknames.Get(args[0]); ok {
			sess.selection.Use(t)
			w.writeLine(conn, "OK: "+describeTarget(sess.selection.Current()))
			return
		}
	}

	deviceID, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		w.writeLine(conn, "ERR: bad device id")
		return
	}

	sess.selection.UseDevice(deviceID)
	w.writeLine(conn, "OK: "+describeTarget(sess.selection.Current()))
}

func (w *Worker) metaUSB(conn net.Conn, sess *session, args []string) {
	if len(args) != 1 {
		w.writeLine(conn, "ERR: usage: .usb <index>")
		return
	}

	idx, err := strconv.Atoi(args[0])
	if err != nil {
		w.writeLine(conn, "ERR: bad USB index")
		return
	}

	sess.selection.UseUSB(idx)
	w.writeLine(conn, "OK: "+describeTarget(sess.selection.Current()))
}

func (w *Worker) metaCacheStat(conn net.Conn) {
	if w.cfg.AddressCache != nil {
		s := w.cfg.AddressCache.Stats().Snapshot()
		w.writeLine(conn, fmt.Sprintf("OK: address hits=%d misses=%d evictions=%d external=%d",
			s.Hits, s.Misses, s.Evictions, s.ExternalCalls))
	}
	if w.cfg.MinimapCache != nil {
		s := w.cfg.MinimapCache.Stats().Snapshot()
		w.writeLine(conn, fmt.Sprintf("OK: minimap hits=%d misses=%d evictions=%d external=%d",
			s.Hits, s.Misses, s.Evictions, s.ExternalCalls))
	}
}

func (w *Worker) metaAddress(conn net.Conn, args []string) {
	if len(args) != 2 || w.cfg.AddressCache == nil {
		w.writeLine(conn, "ERR: usage: .address <lat> <lon>")
		return
	}

	lat, errLat := strconv.ParseFloat(args[0], 64)
	lon, errLon := strconv.ParseFloat(args[1], 64)
	if errLat != nil || errLon != nil {
		w.writeLine(conn, "ERR: bad coordinates")
		return
	}

	addr, hit := w.cfg.AddressCache.Lookup(lat, lon)
	if !hit {
		w.writeLine(conn, "OK: no cached address nearby")
		return
	}
	w.writeLine(conn, "OK: "+addr)
}

func (w *Worker) metaRateReset(conn net.Conn, args []string) {
	if len(args) != 1 || w.cfg.RateLimiters == nil {
		w.writeLine(conn, "ERR: usage: .ratereset <service>")
		return
	}
	w.cfg.RateLimiters.Reset(args[0])
	w.writeLine(conn, "OK: rate limit reset for "+args[0])
}

func (w *Worker) metaNick(conn net.Conn, sess *session, args []string) {
	if len(args) != 1 || w.cfg.Nicknames == nil {
		w.writeLine(conn, "ERR: usage: .nick <name>")
		return
	}
	w.cfg.Nicknames.Set(args[0], sess.selection.Current())
	w.writeLine(conn, "OK: nicknamed "+describeTarget(sess.selection.Current())+" as "+args[0])
}

func (w *Worker) metaListNicknames(conn net.Conn) {
	if w.cfg.Nicknames == nil {
		w.writeLine(conn, "OK: 0 nicknames")
		return
	}
	names := w.cfg.Nicknames.List()
	for _, n := range names {
		t, _ := w.cfg.Nicknames.Get(n)
		w.writeLine(conn, n+" -> "+describeTarget(t))
	}
	w.writeLine(conn, fmt.Sprintf("OK: %d nicknames", len(names)))
}

func (w *Worker) metaDeleteNickname(conn net.Conn, args []string) {
	if len(args) != 1 || w.cfg.Nicknames == nil {
		w.writeLine(conn, "ERR: usage: .dn <name>")
		return
	}
	if !w.cfg.Nicknames.Delete(args[0]) {
		w.writeLine(conn, "ERR: no such nickname")
		return
	}
	w.writeLine(conn, "OK: deleted "+args[0])
}

func (w *Worker) metaListDevices(conn net.Conn) {
	if w.cfg.Trackers == nil {
		w.writeLine(conn, "OK: 0 devices connected")
		return
	}

	ids := w.cfg.Trackers.List()
	for _, id := range ids {
		w.writeLine(conn, strconv.FormatUint(id, 10))
	}
	w.writeLine(conn, fmt.Sprintf("OK: %d devices connected", len(ids)))
}

// metaGFENStop implements ".gfenstop <deviceId>": an operator override that
// ends a device's automatic GFEN position polling before its
// MaxGfenAutoTrackDuration bound elapses (spec.md Section 4.6/9).
func (w *Worker) metaGFENStop(conn net.Conn, args []string) {
	if len(args) != 1 || w.cfg.Trackers == nil {
		w.writeLine(conn, "ERR: usage: .gfenstop <deviceId>")
		return
	}

	deviceID, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		w.writeLine(conn, "ERR: bad device id")
		return
	}

	if !w.cfg.Trackers.StopGFEN(deviceID) {
		w.writeLine(conn, "ERR: device not connected or not GFEN tracking")
		return
	}
	w.writeLine(conn, "OK: GFEN tracking stopped")
}

// csvExporter is the default Config.Exporter, wired to internal/export.
func csvExporter(records []*proto.LocationRecord) (string, error) {
	var b strings.Builder
	if err := export.WriteCSV(&b, records); err != nil {
		return "", err
	}
	return b.String(), nil
}

// DefaultExporter returns the CSV exporter used unless Config.Exporter is
// set explicitly.
func DefaultExporter() func([]*proto.LocationRecord) (string, error) {
	return csvExporter
}
