package denon

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/recordroom/ttcontrol/services/supervisor/internal/models"
	"github.com/recordroom/ttcontrol/services/supervisor/internal/utils"
)

const (
	device = "receiver"

	commandPath    = "/goform/formiPhoneAppDirect.xml"
	statusLitePath = "/goform/formMainZone_MainZoneXmlStatusLite.xml"
	mainZonePath   = "/goform/formMainZone_MainZoneXml.xml"

	defaultBootDelay    = 10 * time.Second
	defaultCommandDelay = 2 * time.Second
)

// Options tunes the pauses the receiver firmware needs between commands.
type Options struct {
	BootDelay    time.Duration
	CommandDelay time.Duration
	// Sleep replaces utils.Sleep, mainly for tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Client drives a Denon/Marantz receiver over its HTTP goform interface.
type Client struct {
	baseURL string
	opts    Options
	http    *http.Client
	log     *zap.Logger
}

// New builds a client for the receiver reachable at baseURL
// (e.g. http://192.168.1.20:8080).
func New(baseURL string, opts Options, client *http.Client, log *zap.Logger) *Client {
	if opts.BootDelay == 0 {
		opts.BootDelay = defaultBootDelay
	}
	if opts.CommandDelay == 0 {
		opts.CommandDelay = defaultCommandDelay
	}
	if opts.Sleep == nil {
		opts.Sleep = utils.Sleep
	}
	if client == nil {
		client = http.DefaultClient
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		opts:    opts,
		http:    client,
		log:     log.With(zap.String("component", "denon")),
	}
}

// Command sends a raw command code such as PWON or SIPHONO.
func (c *Client) Command(ctx context.Context, cmd string) error {
	endpoint := c.baseURL + commandPath + "?" + strings.ReplaceAll(cmd, " ", "%20")
	resp, err := c.get(ctx, endpoint, cmd)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return &models.CommunicationError{Device: device, Op: cmd, StatusCode: resp.StatusCode}
	}
	c.log.Debug("receiver command sent", zap.String("cmd", cmd))
	return nil
}

func (c *Client) PowerOn(ctx context.Context) error {
	return c.Command(ctx, "PWON")
}

func (c *Client) PowerStandby(ctx context.Context) error {
	return c.Command(ctx, "PWSTANDBY")
}

func (c *Client) SetInput(ctx context.Context, input string) error {
	return c.Command(ctx, "SI"+input)
}

func (c *Client) SetSoundMode(ctx context.Context, mode string) error {
	return c.Command(ctx, "MS"+mode)
}

// SetVolume sets the master volume given in relative dB.
func (c *Client) SetVolume(ctx context.Context, db float64) error {
	level, err := utils.VolumeLevel(db)
	if err != nil {
		return err
	}
	return c.Command(ctx, "MV"+level)
}

type valueField struct {
	Value string `xml:"value"`
}

type statusLite struct {
	XMLName         xml.Name   `xml:"item"`
	Power           valueField `xml:"Power"`
	InputFuncSelect valueField `xml:"InputFuncSelect"`
	MasterVolume    valueField `xml:"MasterVolume"`
	Mute            valueField `xml:"Mute"`
}

type mainZone struct {
	XMLName        xml.Name   `xml:"item"`
	SelectSurround valueField `xml:"selectSurround"`
}

// Status reads the main zone status-lite report.
func (c *Client) Status(ctx context.Context) (models.ReceiverStatus, error) {
	var doc statusLite
	if err := c.fetchXML(ctx, statusLitePath, "status", &doc); err != nil {
		return models.ReceiverStatus{}, err
	}
	return models.ReceiverStatus{
		PoweredOn:   strings.EqualFold(strings.TrimSpace(doc.Power.Value), "ON"),
		ActiveInput: strings.TrimSpace(doc.InputFuncSelect.Value),
		Volume:      parseVolume(doc.MasterVolume.Value),
		Muted:       strings.EqualFold(strings.TrimSpace(doc.Mute.Value), "on"),
	}, nil
}

// SoundMode reads the active surround mode of the main zone.
func (c *Client) SoundMode(ctx context.Context) (string, error) {
	var doc mainZone
	if err := c.fetchXML(ctx, mainZonePath, "sound mode", &doc); err != nil {
		return "", err
	}
	return strings.TrimSpace(doc.SelectSurround.Value), nil
}

// Startup powers the receiver on and configures it for input. The pauses
// give the firmware time to settle; the input is selected a second time at
// the end because other sources may grab it while the receiver boots.
func (c *Client) Startup(ctx context.Context, input, soundMode string, volume float64) error {
	if err := c.PowerOn(ctx); err != nil {
		return err
	}
	if err := c.opts.Sleep(ctx, c.opts.BootDelay); err != nil {
		return err
	}

	if err := c.SetInput(ctx, input); err != nil {
		return err
	}
	if err := c.opts.Sleep(ctx, c.opts.CommandDelay); err != nil {
		return err
	}

	current, err := c.SoundMode(ctx)
	if err != nil {
		return err
	}
	if soundMode != "" && !strings.EqualFold(current, soundMode) {
		if err := c.SetSoundMode(ctx, soundMode); err != nil {
			return err
		}
		if err := c.opts.Sleep(ctx, c.opts.CommandDelay); err != nil {
			return err
		}
	}

	if err := c.SetVolume(ctx, volume); err != nil {
		return err
	}
	if err := c.opts.Sleep(ctx, c.opts.CommandDelay); err != nil {
		return err
	}
	return c.SetInput(ctx, input)
}

// Shutdown puts the receiver in standby only while it is still on input.
// It reports whether the standby command was sent.
func (c *Client) Shutdown(ctx context.Context, input string) (bool, error) {
	status, err := c.Status(ctx)
	if err != nil {
		return false, err
	}
	if !strings.EqualFold(status.ActiveInput, input) {
		c.log.Info("receiver left on", zap.String("active_input", status.ActiveInput), zap.String("input", input))
		return false, nil
	}
	if err := c.PowerStandby(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Client) fetchXML(ctx context.Context, path, op string, out any) error {
	resp, err := c.get(ctx, c.baseURL+path, op)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return &models.CommunicationError{Device: device, Op: op, StatusCode: resp.StatusCode}
	}
	if err := xml.NewDecoder(resp.Body).Decode(out); err != nil {
		return &models.CommunicationError{Device: device, Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode %s: %w", op, err)}
	}
	return nil
}

func (c *Client) get(ctx context.Context, endpoint, op string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &models.CommunicationError{Device: device, Op: op, Err: err}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &models.CommunicationError{Device: device, Op: op, Err: err}
	}
	return resp, nil
}

// parseVolume reads MasterVolume; "--" means fully muted down.
func parseVolume(raw string) float64 {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "--" {
		return -80
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return -80
	}
	return v
}
