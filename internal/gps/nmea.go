package gps

import (
	"bufio"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"

	"github.com/shaunagostinho/gpsreporter/internal/logger"
)

// NMEAProvider reads standard NMEA 0183 sentences from a UART GPS and publishes
// every valid RMC fix. Compatible with u-blox NEO-M8N and any standard NMEA GPS.
type NMEAProvider struct {
	Feed

	portPath string
	baudRate int
	log      *zap.Logger

	mu      sync.Mutex
	port    serial.Port
	closing bool
	done    chan struct{}
}

// NMEAConfig holds configuration for the NMEA GPS provider.
type NMEAConfig struct {
	PortPath string `yaml:"port_path" json:"portPath"`
	BaudRate int    `yaml:"baud_rate" json:"baudRate"`
}

// NewNMEA creates a new NMEA GPS provider.
func NewNMEA(cfg NMEAConfig) *NMEAProvider {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 9600 // Standard NMEA default
	}
	return &NMEAProvider{
		portPath: cfg.PortPath,
		baudRate: cfg.BaudRate,
		log:      logger.Named("gps"),
	}
}

func (n *NMEAProvider) Name() string { return "NMEA GPS" }

// Connect opens the serial port and starts the sentence reader.
func (n *NMEAProvider) Connect() error {
	mode := &serial.Mode{
		BaudRate: n.baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(n.portPath, mode)
	if err != nil {
		var portErr *serial.PortError
		if errors.As(err, &portErr) && portErr.Code() == serial.PermissionDenied {
			n.SetError(fmt.Errorf("%w: %s", ErrPermissionDenied, n.portPath))
		}
		return fmt.Errorf("gps: failed to open %s: %w", n.portPath, err)
	}
	n.SetError(nil)

	n.mu.Lock()
	n.port = port
	n.closing = false
	n.done = make(chan struct{})
	done := n.done
	n.mu.Unlock()

	n.log.Info("connected", zap.String("port", n.portPath), zap.Int("baud", n.baudRate))
	go n.readLoop(port, done)
	return nil
}

// Close stops the reader and closes the port.
func (n *NMEAProvider) Close() error {
	n.mu.Lock()
	port, done := n.port, n.done
	n.closing = true
	n.port = nil
	n.mu.Unlock()

	if port == nil {
		return nil
	}
	err := port.Close()
	<-done
	return err
}

func (n *NMEAProvider) readLoop(port serial.Port, done chan struct{}) {
	defer close(done)

	reader := bufio.NewReader(port)
	for {
		line, err := reader.ReadString('\n')
		if fix, ok := ParseSentence(strings.TrimSpace(line)); ok {
			n.Publish(fix)
		}
		if err != nil {
			n.mu.Lock()
			closing := n.closing
			n.mu.Unlock()
			if !closing {
				n.log.Error("serial read failed", zap.Error(err))
				n.Fail(fmt.Errorf("gps: serial read %s: %w", n.portPath, err))
			}
			return
		}
	}
}

// ParseSentence extracts a fix from a checksummed RMC sentence. Other
// sentence types and void fixes return false.
func ParseSentence(line string) (Fix, bool) {
	if !strings.HasPrefix(line, "$") || !validateNMEAChecksum(line) {
		return Fix{}, false
	}
	if strings.HasPrefix(line, "$GPRMC") || strings.HasPrefix(line, "$GNRMC") {
		return parseRMC(line)
	}
	return Fix{}, false
}

func parseRMC(line string) (Fix, bool) {
	// $GPRMC,hhmmss.ss,A,llll.ll,a,yyyyy.yy,a,x.x,x.x,ddmmyy,x.x,a*hh
	parts := splitNMEA(line)
	if len(parts) < 10 || parts[2] != "A" {
		return Fix{}, false
	}
	if parts[3] == "" || parts[5] == "" {
		return Fix{}, false
	}

	captured, err := parseRMCTime(parts[1], parts[9])
	if err != nil {
		captured = time.Now().UTC()
	}
	return Fix{
		Latitude:   parseNMEACoord(parts[3], parts[4]),
		Longitude:  parseNMEACoord(parts[5], parts[6]),
		CapturedAt: captured,
	}, true
}

// parseRMCTime combines the hhmmss.ss and ddmmyy fields into a UTC time.
func parseRMCTime(hms, dmy string) (time.Time, error) {
	if len(hms) < 6 || len(dmy) != 6 {
		return time.Time{}, fmt.Errorf("gps: bad RMC time %q %q", hms, dmy)
	}
	layout := "020106150405"
	value := dmy + hms[:6]
	if len(hms) > 7 && hms[6] == '.' {
		layout += "." + strings.Repeat("0", len(hms)-7)
		value += hms[6:]
	}
	return time.ParseInLocation(layout, value, time.UTC)
}

// splitNMEA splits a sentence and strips the checksum suffix.
func splitNMEA(line string) []string {
	if idx := strings.Index(line, "*"); idx >= 0 {
		line = line[:idx]
	}
	line = strings.TrimPrefix(line, "$")
	return strings.Split(line, ",")
}

// parseNMEACoord converts NMEA ddmm.mmmm format to decimal degrees.
func parseNMEACoord(raw, dir string) float64 {
	if raw == "" || dir == "" {
		return 0
	}
	val, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}
	deg := math.Floor(val / 100)
	min := val - deg*100
	result := deg + min/60

	if dir == "S" || dir == "W" {
		result = -result
	}
	return result
}

// validateNMEAChecksum checks the XOR checksum after *.
func validateNMEAChecksum(line string) bool {
	idx := strings.Index(line, "*")
	if idx < 0 || idx+3 > len(line) {
		return false
	}
	body := line[1:idx] // Between $ and *
	var calc byte
	for i := 0; i < len(body); i++ {
		calc ^= body[i]
	}
	expected, err := strconv.ParseUint(line[idx+1:idx+3], 16, 8)
	if err != nil {
		return false
	}
	return byte(expected) == calc
}
