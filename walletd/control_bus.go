package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/nwc-wallet/walletd/storage"
)

const controlTimeout = 30 * time.Second

// Controller is what the control bus drives. *Server implements it.
type Controller interface {
	Reload(ctx context.Context) error
	CreatePairing(ctx context.Context, relay, name string) (string, *storage.Connection, error)
	RemoveConnection(ctx context.Context, idOrKey string) error
	ListConnections() ([]storage.Connection, error)
	ConnectionURL(id string) (string, error)
	RenameConnection(id, name string) error
	State() State
	PublicKey() string
	ConnectedRelays() []string
}

var _ Controller = (*Server)(nil)

// ControlRequest holds the parameters of a control command.
type ControlRequest struct {
	Relay      string `json:"relay,omitempty"`
	Name       string `json:"name,omitempty"`
	Connection string `json:"connection,omitempty"`
}

// ControlReply answers a control message.
type ControlReply struct {
	OK           bool                `json:"ok"`
	Error        string              `json:"error,omitempty"`
	PairingURL   string              `json:"pairing_url,omitempty"`
	ConnectionID string              `json:"connection_id,omitempty"`
	Status       *ControlStatus      `json:"status,omitempty"`
	Connections  []ControlConnection `json:"connections,omitempty"`
}

// ControlConnection is a connection as listed over the bus. Secrets and
// keys stay in the store.
type ControlConnection struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Relay       string     `json:"relay"`
	Permissions []string   `json:"permissions"`
	CreatedAt   time.Time  `json:"created_at"`
	LastUsed    *time.Time `json:"last_used,omitempty"`
}

func controlConnections(conns []storage.Connection) []ControlConnection {
	out := make([]ControlConnection, 0, len(conns))
	for _, c := range conns {
		out = append(out, ControlConnection{
			ID:          c.ID,
			Name:        c.Name,
			Relay:       c.Relay,
			Permissions: c.Permissions,
			CreatedAt:   c.CreatedAt,
			LastUsed:    c.LastUsed,
		})
	}
	return out
}

// ControlStatus is the reply to a status request.
type ControlStatus struct {
	State  string   `json:"state"`
	Pubkey string   `json:"pubkey"`
	Relays []string `json:"relays"`
}

// ControlBus exposes the server over NATS request/reply and publishes
// payment events. Every control message must carry a command signed by
// the operator key.
type ControlBus struct {
	conn     *nats.Conn
	prefix   string
	publish  func(subject string, data []byte) error
	subs     []*nats.Subscription
	target   Controller
	verifier *ControlVerifier
}

// NewControlBus connects to NATS.
func NewControlBus(cfg NATSConfig) (*ControlBus, error) {
	publicKey, err := ParseControlPublicKey(cfg.ControlPublicKey)
	if err != nil {
		return nil, err
	}
	conn, err := connectNATS(cfg, "walletd")
	if err != nil {
		return nil, err
	}
	log.Info().Str("url", cfg.URL).Msg("Connected to NATS")
	return &ControlBus{
		conn:     conn,
		prefix:   cfg.SubjectPrefix,
		publish:  conn.Publish,
		verifier: NewControlVerifier(publicKey),
	}, nil
}

func connectNATS(cfg NATSConfig, name string) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(name),
		nats.ReconnectWait(time.Duration(cfg.ReconnectWait) * time.Millisecond),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Info().Msg("NATS connection closed")
		}),
	}
	if cfg.CredentialsFile != "" {
		if _, err := os.Stat(cfg.CredentialsFile); err != nil {
			return nil, fmt.Errorf("nats credentials file: %w", err)
		}
		opts = append(opts, nats.UserCredentials(cfg.CredentialsFile))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return conn, nil
}

func (b *ControlBus) subject(parts ...string) string {
	return b.prefix + "." + strings.Join(parts, ".")
}

// Serve subscribes to the control subjects and routes them to target.
func (b *ControlBus) Serve(target Controller) error {
	b.target = target

	subject := b.subject("control", "*")
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		reply := b.handle(msg.Subject, msg.Data)
		if msg.Reply == "" {
			return
		}
		data, err := json.Marshal(reply)
		if err != nil {
			log.Error().Err(err).Msg("Failed to encode control reply")
			return
		}
		if err := msg.Respond(data); err != nil {
			log.Warn().Err(err).Str("subject", msg.Subject).Msg("Failed to send control reply")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	b.subs = append(b.subs, sub)
	log.Debug().Str("subject", subject).Msg("Subscribed to NATS")
	return nil
}

// handle verifies and executes one control message.
func (b *ControlBus) handle(subject string, data []byte) *ControlReply {
	action := subject[strings.LastIndex(subject, ".")+1:]
	if b.verifier == nil {
		return &ControlReply{Error: "control commands are disabled"}
	}
	cmd, err := b.verifier.Verify(action, data)
	if err != nil {
		log.Warn().Err(err).Str("action", action).Msg("Rejected control request")
		return &ControlReply{Error: err.Error()}
	}
	req := cmd.Params

	ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
	defer cancel()

	log.Debug().Str("action", action).Str("command_id", cmd.CommandID).Msg("Control request")

	switch action {
	case "reload":
		if err := b.target.Reload(ctx); err != nil {
			return &ControlReply{Error: err.Error()}
		}
		return &ControlReply{OK: true}

	case "pair":
		url, conn, err := b.target.CreatePairing(ctx, req.Relay, req.Name)
		if err != nil && conn == nil {
			return &ControlReply{Error: err.Error()}
		}
		reply := &ControlReply{OK: true, PairingURL: url, ConnectionID: conn.ID}
		if err != nil {
			reply.Error = err.Error()
		}
		return reply

	case "remove":
		if req.Connection == "" {
			return &ControlReply{Error: "connection is required"}
		}
		if err := b.target.RemoveConnection(ctx, req.Connection); err != nil {
			return &ControlReply{Error: err.Error()}
		}
		return &ControlReply{OK: true}

	case "list":
		conns, err := b.target.ListConnections()
		if err != nil {
			return &ControlReply{Error: err.Error()}
		}
		return &ControlReply{OK: true, Connections: controlConnections(conns)}

	case "url":
		if req.Connection == "" {
			return &ControlReply{Error: "connection is required"}
		}
		url, err := b.target.ConnectionURL(req.Connection)
		if err != nil {
			return &ControlReply{Error: err.Error()}
		}
		return &ControlReply{OK: true, PairingURL: url, ConnectionID: req.Connection}

	case "rename":
		if req.Connection == "" || req.Name == "" {
			return &ControlReply{Error: "connection and name are required"}
		}
		if err := b.target.RenameConnection(req.Connection, req.Name); err != nil {
			return &ControlReply{Error: err.Error()}
		}
		return &ControlReply{OK: true}

	case "status":
		return &ControlReply{OK: true, Status: &ControlStatus{
			State:  b.target.State().String(),
			Pubkey: b.target.PublicKey(),
			Relays: b.target.ConnectedRelays(),
		}}

	default:
		return &ControlReply{Error: fmt.Sprintf("unknown control action %q", action)}
	}
}

// PaymentSent publishes ev on <prefix>.events.payment.
func (b *ControlBus) PaymentSent(ev PaymentEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode payment event")
		return
	}
	if err := b.publish(b.subject("events", "payment"), data); err != nil {
		log.Warn().Err(err).Str("transfer_id", ev.TransferID).Msg("Failed to publish payment event")
	}
}

// IsConnected returns true if connected to NATS
func (b *ControlBus) IsConnected() bool {
	return b.conn != nil && b.conn.IsConnected()
}

// Close unsubscribes and drains the connection.
func (b *ControlBus) Close() {
	for _, sub := range b.subs {
		sub.Unsubscribe()
	}
	if b.conn != nil {
		b.conn.Close()
	}
}

// SendControl signs one control request, sends it to a running walletd
// and waits for its reply.
func SendControl(cfg NATSConfig, action string, req ControlRequest) (*ControlReply, error) {
	if cfg.ControlKeyFile == "" {
		return nil, fmt.Errorf("nats.control_key_file is required to send control commands")
	}
	key, err := LoadControlKey(cfg.ControlKeyFile)
	if err != nil {
		return nil, err
	}
	cmd, err := SignControlCommand(key, action, req, time.Now())
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, err
	}

	conn, err := connectNATS(cfg, "walletd-cli")
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	msg, err := conn.Request(cfg.SubjectPrefix+".control."+action, data, controlTimeout)
	if err != nil {
		return nil, fmt.Errorf("control request failed: %w", err)
	}

	var reply ControlReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return nil, fmt.Errorf("failed to decode control reply: %w", err)
	}
	if !reply.OK {
		return &reply, fmt.Errorf("walletd: %s", reply.Error)
	}
	return &reply, nil
}
