// Package control exposes the shaping and radio command surface to
// operators: a line based console in the style of the emulator console and
// an HTTP API carrying the same operations.
package control

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/codefionn/netemu/netemu-srv/logger"
	"github.com/codefionn/netemu/netemu-srv/neterr"
	"github.com/codefionn/netemu/netemu-srv/radio"
	"github.com/codefionn/netemu/netemu-srv/shaping"
)

const (
	replyOK = "OK"
	replyKO = "KO: "
)

// errUsage is returned by a handler whose arguments don't fit its grammar.
type errUsage string

func (e errUsage) Error() string { return string(e) }

type command struct {
	help string
	run  func(c *Console, args []string) (string, error)
}

// Console executes command lines against the conditioner and the radio
// model. Each line yields the command output followed by OK, or a single
// KO line.
type Console struct {
	conditioner *shaping.Conditioner
	model       *radio.Model
	groups      map[string]map[string]command
}

// NewConsole creates a console. model may be nil, in which case the gsm
// commands and named speeds fail.
func NewConsole(conditioner *shaping.Conditioner, model *radio.Model) *Console {
	return &Console{
		conditioner: conditioner,
		model:       model,
		groups: map[string]map[string]command{
			"network": {
				"status":  {"dump network status", (*Console).networkStatus},
				"speed":   {"change network speed: <standard>, <num> or <up>:<down> in kbit/s", (*Console).networkSpeed},
				"delay":   {"change network latency: gprs, edge, umts, none, default, <num> or <min>:<max> in ms", (*Console).networkDelay},
				"disable": {"disable network shaping", (*Console).networkDisable},
				"enable":  {"enable network shaping", (*Console).networkEnable},
			},
			"gsm": {
				"status":         {"display gsm data and voice state", (*Console).gsmStatus},
				"data":           {"modify data connection state", (*Console).gsmData},
				"voice":          {"modify voice connection state", (*Console).gsmVoice},
				"standard":       {"change the radio standard", (*Console).gsmStandard},
				"signal":         {"set rssi 0..31 and optionally ber 0..7 or 99", (*Console).gsmSignal},
				"signal-profile": {"set signal strength profile 0..4", (*Console).gsmSignalProfile},
			},
		},
	}
}

// Execute runs one command line and returns the reply.
func (c *Console) Execute(line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return replyKO + "missing command"
	}

	group := strings.ToLower(fields[0])
	if group == "help" {
		return c.help(fields[1:]) + replyOK
	}
	cmds, ok := c.groups[group]
	if !ok {
		return replyKO + "unknown command, try 'help'"
	}
	if len(fields) < 2 {
		return replyKO + "missing sub-command"
	}
	cmd, ok := cmds[strings.ToLower(fields[1])]
	if !ok {
		return replyKO + "bad sub-command"
	}

	out, err := cmd.run(c, fields[2:])
	if err != nil {
		logger.Debug("Console command %q failed: %v", line, err)
		return replyKO + reason(err)
	}
	logger.Debug("Console command %q done", line)
	return out + replyOK
}

// reason is the text of err without the code prefix of a coded error.
func reason(err error) string {
	var nerr *neterr.Error
	if errors.As(err, &nerr) && nerr.Cause != nil {
		return nerr.Cause.Error()
	}
	return err.Error()
}

func (c *Console) help(args []string) string {
	var b strings.Builder
	groups := make([]string, 0, len(c.groups))
	for g := range c.groups {
		if len(args) == 0 || strings.EqualFold(args[0], g) {
			groups = append(groups, g)
		}
	}
	sort.Strings(groups)
	for _, g := range groups {
		names := make([]string, 0, len(c.groups[g]))
		for name := range c.groups[g] {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(&b, "    %-22s %s\n", g+" "+name, c.groups[g][name].help)
		}
	}
	return b.String()
}

func (c *Console) requireModel() error {
	if c.model == nil {
		return errors.New("radio emulation not running")
	}
	return nil
}

func formatSpeed(bps int64) string {
	if bps == 0 {
		return "unlimited"
	}
	return fmt.Sprintf("%d bits/s (%.1f KB/s)", bps*8, float64(bps)/1024)
}

func (c *Console) networkStatus(args []string) (string, error) {
	if len(args) > 0 {
		return "", errUsage("no argument required")
	}
	cfg := c.conditioner.Config()
	lo, hi := c.conditioner.LatencyRange()

	var b strings.Builder
	b.WriteString("Current network status:\n")
	fmt.Fprintf(&b, "  download speed:   %s\n", formatSpeed(c.conditioner.EffectiveBandwidth(shaping.Download)))
	fmt.Fprintf(&b, "  upload speed:     %s\n", formatSpeed(c.conditioner.EffectiveBandwidth(shaping.Upload)))
	fmt.Fprintf(&b, "  minimum latency:  %d ms\n", lo.Milliseconds())
	fmt.Fprintf(&b, "  maximum latency:  %d ms\n", hi.Milliseconds())
	fmt.Fprintf(&b, "  standard:         %s\n", c.conditioner.RadioState().Standard)
	if cfg.Disabled {
		b.WriteString("  shaping:          disabled\n")
	} else {
		b.WriteString("  shaping:          enabled\n")
	}
	return b.String(), nil
}

// kbpsToBps converts kbit/s to bytes/s.
func kbpsToBps(kbps float64) int64 {
	return int64(math.Round(kbps * 1000 / 8))
}

func parseKbps(s string) (int64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 || math.IsInf(v, 0) || math.IsNaN(v) {
		return 0, errUsage("invalid <speed> argument, see 'help network' for valid values")
	}
	return kbpsToBps(v), nil
}

// networkSpeed takes a standard name, a speed for both directions or an
// up:down pair. A name switches the radio standard and drops explicit caps
// so the preset applies.
func (c *Console) networkSpeed(args []string) (string, error) {
	if len(args) != 1 {
		return "", errUsage("missing <speed> argument, see 'help network'")
	}
	arg := args[0]

	if std, err := radio.ParseStandard(arg); err == nil {
		if err := c.requireModel(); err != nil {
			return "", err
		}
		if err := c.model.SetStandard(std); err != nil {
			return "", err
		}
		return "", c.conditioner.Update(func(cfg *shaping.Config) {
			cfg.UploadBps = 0
			cfg.DownloadBps = 0
		})
	}

	upStr, downStr, pair := strings.Cut(arg, ":")
	if !pair {
		downStr = upStr
	}
	up, err := parseKbps(upStr)
	if err != nil {
		return "", err
	}
	down, err := parseKbps(downStr)
	if err != nil {
		return "", err
	}
	return "", c.conditioner.Update(func(cfg *shaping.Config) {
		cfg.UploadBps = up
		cfg.DownloadBps = down
	})
}

// namedDelays are the latency names of the emulator console, taken from
// the preset of the standard of the same name.
var namedDelays = map[string]radio.Standard{
	"gprs": radio.StandardGPRS,
	"edge": radio.StandardEDGE,
	"umts": radio.StandardUMTS,
}

func parseMs(s string) (int64, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v < 0 {
		return 0, errUsage("invalid <delay> argument, see 'help network' for valid values")
	}
	return v, nil
}

// networkDelay sets the latency range. "none" means no latency at all,
// "default" goes back to the preset of the current standard.
func (c *Console) networkDelay(args []string) (string, error) {
	if len(args) != 1 {
		return "", errUsage("missing <delay> argument, see 'help network'")
	}
	arg := strings.ToLower(args[0])

	var lo, hi int64
	switch std, named := namedDelays[arg]; {
	case arg == "none":
		return "", c.conditioner.SetNoLatency()
	case arg == "default":
	case named:
		if err := c.requireModel(); err != nil {
			return "", err
		}
		p := c.model.PresetFor(std)
		lo, hi = p.MinLatency.Milliseconds(), p.MaxLatency.Milliseconds()
	default:
		loStr, hiStr, pair := strings.Cut(arg, ":")
		if !pair {
			hiStr = loStr
		}
		var err error
		if lo, err = parseMs(loStr); err != nil {
			return "", err
		}
		if hi, err = parseMs(hiStr); err != nil {
			return "", err
		}
	}
	return "", c.conditioner.SetLatency(lo, hi)
}

func (c *Console) networkDisable(args []string) (string, error) {
	return "", c.conditioner.SetDisabled(true)
}

func (c *Console) networkEnable(args []string) (string, error) {
	return "", c.conditioner.SetDisabled(false)
}

func (c *Console) gsmStatus(args []string) (string, error) {
	if len(args) > 0 {
		return "", errUsage("no argument required")
	}
	if err := c.requireModel(); err != nil {
		return "", err
	}
	st := c.model.Snapshot()
	return fmt.Sprintf("gsm voice state: %s\ngsm data state:  %s\ngsm standard:    %s\ngsm signal:      %d %d\n",
		st.VoiceStatus, st.Status, st.Standard, st.SignalStrength, st.BitErrorRate), nil
}

func parseStatusArg(args []string, what string) (radio.Status, error) {
	if len(args) != 1 {
		return 0, errUsage(fmt.Sprintf("missing argument, try 'gsm %s <state>'", what))
	}
	s, err := radio.ParseStatus(args[0])
	if err != nil {
		return 0, neterr.Wrap(neterr.ErrCodeInvalidRadio, err)
	}
	return s, nil
}

func (c *Console) gsmData(args []string) (string, error) {
	if err := c.requireModel(); err != nil {
		return "", err
	}
	s, err := parseStatusArg(args, "data")
	if err != nil {
		return "", err
	}
	return "", c.model.SetStatus(s)
}

func (c *Console) gsmVoice(args []string) (string, error) {
	if err := c.requireModel(); err != nil {
		return "", err
	}
	s, err := parseStatusArg(args, "voice")
	if err != nil {
		return "", err
	}
	return "", c.model.SetVoiceStatus(s)
}

func (c *Console) gsmStandard(args []string) (string, error) {
	if err := c.requireModel(); err != nil {
		return "", err
	}
	if len(args) != 1 {
		return "", errUsage("missing argument, try 'gsm standard <name>'")
	}
	std, err := radio.ParseStandard(args[0])
	if err != nil {
		return "", neterr.Wrap(neterr.ErrCodeInvalidRadio, err)
	}
	return "", c.model.SetStandard(std)
}

// gsmSignal sets rssi and, when given, ber. Without a ber the current one
// is kept. Out of range values are clamped by the model.
func (c *Console) gsmSignal(args []string) (string, error) {
	if err := c.requireModel(); err != nil {
		return "", err
	}
	if len(args) == 0 || len(args) > 2 {
		return "", errUsage("not enough arguments, see 'help gsm'")
	}
	rssi, err := strconv.Atoi(args[0])
	if err != nil {
		return "", errUsage(fmt.Sprintf("argument '%s' is not a number", args[0]))
	}
	if len(args) == 1 {
		c.model.SetSignalStrength(rssi)
		return "", nil
	}

	ber, err := strconv.Atoi(args[1])
	if err != nil {
		return "", errUsage(fmt.Sprintf("argument '%s' is not a number", args[1]))
	}
	c.model.SetSignal(rssi, ber)
	return "", nil
}

func (c *Console) gsmSignalProfile(args []string) (string, error) {
	if err := c.requireModel(); err != nil {
		return "", err
	}
	if len(args) != 1 {
		return "", errUsage("missing argument, try 'gsm signal-profile <0-4>'")
	}
	level, err := strconv.Atoi(args[0])
	if err != nil {
		return "", errUsage(fmt.Sprintf("argument '%s' is not a number", args[0]))
	}
	return "", c.model.SetSignalProfile(level)
}
