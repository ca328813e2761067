package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kabili207/iamhere-server/pkg/models"
	"github.com/kabili207/iamhere-server/pkg/protocol"
)

// ProbeOptions holds flags for the probe command.
type ProbeOptions struct {
	Broker    string
	ClientID  string
	TopicRoot string
	Token     string
	Lat       float64
	Lng       float64
	Arrive    bool
	To        int64
	Wait      time.Duration
}

// NewProbeCommand creates the probe command, a small MQTT client for
// exercising a running server by hand.
func NewProbeCommand() *cobra.Command {
	opts := &ProbeOptions{}

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Connect to the MQTT transport, authenticate, and print what arrives",
		Long: `Connect to the MQTT transport as a client, authenticate with a token, optionally
send an arrival or a location request, and print every frame received until
--wait elapses.

Example:
  iamhere probe --token "$(iamhere token 1)" --arrive --lat 40 --lng -73
  iamhere probe --token "$(iamhere token 2)" --to 1 --wait 1m`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProbe(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Broker, "broker", "tcp://127.0.0.1:1883", "MQTT broker URL")
	cmd.Flags().StringVar(&opts.ClientID, "client-id", "", "MQTT client id (random if empty)")
	cmd.Flags().StringVar(&opts.TopicRoot, "topic-root", "iamhere", "topic root configured on the server")
	cmd.Flags().StringVar(&opts.Token, "token", "", "bearer token to authenticate with")
	cmd.Flags().BoolVar(&opts.Arrive, "arrive", false, "send i_arrived after authenticating")
	cmd.Flags().Float64Var(&opts.Lat, "lat", 0, "latitude for --arrive")
	cmd.Flags().Float64Var(&opts.Lng, "lng", 0, "longitude for --arrive")
	cmd.Flags().Int64Var(&opts.To, "to", 0, "send where_are_you to this user id after authenticating")
	cmd.Flags().DurationVar(&opts.Wait, "wait", 10*time.Second, "how long to listen before disconnecting")
	_ = cmd.MarkFlagRequired("token")

	return cmd
}

type probeFrame struct {
	Type     string           `json:"type"`
	Token    string           `json:"token,omitempty"`
	Location *models.Location `json:"location,omitempty"`
	To       int64            `json:"to,omitempty"`
}

// probeFrames returns the frames the probe sends, in order.
func probeFrames(opts *ProbeOptions) ([][]byte, error) {
	frames := []probeFrame{{Type: protocol.TypeAuthenticate, Token: opts.Token}}
	if opts.Arrive {
		frames = append(frames, probeFrame{Type: protocol.TypeArrived, Location: &models.Location{Lat: opts.Lat, Lng: opts.Lng}})
	}
	if opts.To > 0 {
		frames = append(frames, probeFrame{Type: protocol.TypeWhereAreYou, To: opts.To})
	}

	out := make([][]byte, 0, len(frames))
	for _, f := range frames {
		b, err := json.Marshal(f)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func runProbe(cmd *cobra.Command, opts *ProbeOptions) error {
	frames, err := probeFrames(opts)
	if err != nil {
		return err
	}
	if opts.ClientID == "" {
		opts.ClientID = "iamhere-probe-" + uuid.NewString()[:8]
	}
	inTopic := fmt.Sprintf("%s/%s/in", opts.TopicRoot, opts.ClientID)
	outTopic := fmt.Sprintf("%s/%s/out", opts.TopicRoot, opts.ClientID)
	out := cmd.OutOrStdout()

	received := make(chan []byte, 32)
	co := paho.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetCleanSession(true).
		SetConnectTimeout(10 * time.Second).
		SetAutoReconnect(false)
	client := paho.NewClient(co)

	if err := wait(client.Connect(), "connect"); err != nil {
		return err
	}
	defer client.Disconnect(250)

	err = wait(client.Subscribe(outTopic, 1, func(_ paho.Client, msg paho.Message) {
		select {
		case received <- msg.Payload():
		default:
		}
	}), "subscribe")
	if err != nil {
		return err
	}

	for _, f := range frames {
		if err := wait(client.Publish(inTopic, 1, false, f), "publish"); err != nil {
			return err
		}
	}

	deadline := time.After(opts.Wait)
	for {
		select {
		case payload := <-received:
			fmt.Fprintln(out, string(payload))
		case <-deadline:
			return nil
		case <-commandContext(cmd).Done():
			return nil
		}
	}
}

func wait(t paho.Token, op string) error {
	if !t.WaitTimeout(10 * time.Second) {
		return errors.New(op + " timed out")
	}
	if err := t.Error(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
