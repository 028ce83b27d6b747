package main

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/nwc-wallet/walletd/nostr"
	"github.com/mesmerverse/nwc-wallet/walletd/storage"
)

// handlerTimeout bounds a single method call. It is independent of server
// shutdown: a payment that has started is allowed to finish.
const handlerTimeout = 2 * time.Minute

// Router turns inbound request events into responses.
//
// Unknown senders and undecryptable events are dropped silently. Every
// request from a resolved sender whose payload decrypts gets exactly one
// response, and a request event id is dispatched at most once however many
// relays deliver it.
type Router struct {
	key       []byte
	serverPub string

	store     ConnectionStore
	handlers  *Handlers
	log       *RequestLog
	publisher Responder
	limiter   *connectionLimiter
	metrics   *Metrics

	now func() time.Time
}

// Responder seals and sends responses. ResponsePublisher is the production
// implementation.
type Responder interface {
	Build(conn *storage.Connection, request *nostr.Event, scheme nostr.Scheme, resp *Response) (*nostr.Event, error)
	Publish(relayURL string, ev *nostr.Event)
}

// RouterOptions wires a Router.
type RouterOptions struct {
	Key       []byte
	ServerPub string
	Store     ConnectionStore
	Handlers  *Handlers
	Log       *RequestLog
	Publisher Responder
	RateLimit RateLimitConfig
	Metrics   *Metrics
}

// NewRouter returns a router.
func NewRouter(opts RouterOptions) *Router {
	return &Router{
		key:       opts.Key,
		serverPub: opts.ServerPub,
		store:     opts.Store,
		handlers:  opts.Handlers,
		log:       opts.Log,
		publisher: opts.Publisher,
		limiter:   newConnectionLimiter(opts.RateLimit.RequestsPerSecond, opts.RateLimit.Burst),
		metrics:   opts.Metrics,
		now:       time.Now,
	}
}

// resolution is the outcome of matching a sender to a connection.
type resolution struct {
	conn *storage.Connection
	// claim is set when conn is unused and must be bound to the sender
	// before the request is served.
	claim bool
	// verify requires a well-formed request naming a known method before
	// the claim is committed.
	verify bool
}

// HandleEvent processes one event delivered by relayURL. It is safe for
// concurrent use.
func (r *Router) HandleEvent(relayURL string, ev *nostr.Event) {
	logger := log.With().
		Str("relay", relayURL).
		Str("event_id", shortEventID(ev.ID)).
		Logger()

	if ev.Kind != nostr.KindRequest || ev.TagValue("p") != r.serverPub {
		r.metrics.drop("not_addressed")
		return
	}
	if err := ev.Verify(); err != nil {
		logger.Debug().Err(err).Msg("Dropping invalid event")
		r.metrics.drop("invalid")
		return
	}
	now := r.now()
	if err := r.log.CheckFreshness(ev.CreatedTime(), now); err != nil {
		logger.Debug().Err(err).Msg("Dropping stale event")
		r.metrics.drop("stale")
		return
	}

	res, err := r.resolve(ev.PubKey)
	if err != nil {
		logger.Error().Err(err).Msg("Connection lookup failed")
		r.metrics.drop("store_error")
		return
	}
	if res.conn == nil {
		logger.Debug().Str("sender", shortEventID(ev.PubKey)).Msg("Dropping event from unknown sender")
		r.metrics.drop("unknown_sender")
		return
	}

	plaintext, scheme, err := nostr.Decrypt(r.key, ev.PubKey, ev.Content)
	if err != nil {
		logger.Warn().Err(err).Str("connection_id", res.conn.ID).Msg("Dropping undecryptable event")
		r.metrics.drop("decrypt")
		return
	}

	var req Request
	reqErr := json.Unmarshal([]byte(plaintext), &req)

	conn := res.conn
	if res.claim {
		// Bind only a sender that produced a well-formed, known request.
		if res.verify && (reqErr != nil || !isKnownMethod(req.Method)) {
			logger.Warn().Str("connection_id", conn.ID).Msg("Refusing to bind unused connection to unverified sender")
			r.metrics.drop("unverified_claim")
			return
		}
		claimed, err := r.claim(conn.ID, ev.PubKey, now)
		if err != nil {
			logger.Warn().Err(err).Str("connection_id", conn.ID).Msg("Failed to claim connection")
			r.metrics.drop("claim_lost")
			return
		}
		conn = claimed
	}

	status, cached, err := r.log.Claim(ev.ID, conn.ID, ev.CreatedTime(), now)
	if err != nil {
		// Without a record we cannot rule out a second dispatch.
		logger.Error().Err(err).Msg("Request log unavailable, dropping event")
		r.metrics.drop("log_error")
		return
	}
	switch status {
	case ClaimInFlight:
		logger.Debug().Msg("Duplicate of in-flight request")
		r.metrics.duplicate()
		return
	case ClaimDone:
		logger.Debug().Msg("Duplicate of answered request")
		r.metrics.duplicate()
		if cached != nil {
			r.publisher.Publish(relayURL, cached)
		}
		return
	}

	var resp *Response
	if reqErr != nil {
		resp = errorResponse("", rpcErr(CodeOther, "malformed request"))
	} else {
		resp = r.process(conn, ev.ID, &req, now)
	}
	code := ""
	if resp.Error != nil {
		code = resp.Error.Code
	}
	r.metrics.request(resp.ResultType, code)

	if err := r.store.TouchLastUsed(conn.ID, r.now()); err != nil && !errors.Is(err, storage.ErrNotFound) {
		logger.Warn().Err(err).Msg("Failed to update last used")
	}

	out, err := r.publisher.Build(conn, ev, scheme, resp)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to build response")
		if err := r.log.Abandon(ev.ID); err != nil {
			logger.Warn().Err(err).Msg("Failed to record abandoned request")
		}
		return
	}
	if err := r.log.Complete(ev.ID, out); err != nil {
		logger.Warn().Err(err).Msg("Failed to record response")
	}
	r.publisher.Publish(relayURL, out)

	logger.Info().
		Str("connection_id", conn.ID).
		Str("method", req.Method).
		Str("code", code).
		Msg("Request handled")
}

// process applies rate limiting and authorization, then dispatches.
func (r *Router) process(conn *storage.Connection, requestID string, req *Request, now time.Time) *Response {
	if !r.limiter.Allow(conn.ID, now) {
		return errorResponse(req.Method, rpcErr(CodeRateLimited, "too many requests"))
	}
	if !isKnownMethod(req.Method) {
		return errorResponse(req.Method, rpcErr(CodeNotImplemented, "method %q is not supported", req.Method))
	}
	if !conn.HasPermission(req.Method) {
		return errorResponse(req.Method, rpcErr(CodeUnauthorized, "connection is not permitted to call %s", req.Method))
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()
	return r.handlers.Dispatch(ctx, conn, requestID, req)
}

// resolve finds the connection a sender speaks for:
//  1. the connection bound to sender;
//  2. an unused connection whose secret yields sender;
//  3. the unused connection of the pending pairing, else the newest unused one.
func (r *Router) resolve(sender string) (resolution, error) {
	conn, err := r.store.FindByCounterpartyKey(sender)
	if err == nil {
		// A first request on the canonical key still claims, which clears
		// the pending secret.
		return resolution{conn: conn, claim: conn.Unused()}, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return resolution{}, err
	}

	unused, err := r.store.UnusedConnections()
	if err != nil {
		return resolution{}, err
	}
	if len(unused) == 0 {
		return resolution{}, nil
	}

	for i := range unused {
		if secretMatches(unused[i].Secret, sender) {
			return resolution{conn: &unused[i], claim: true, verify: true}, nil
		}
	}

	pending, err := r.store.PendingSecret()
	if err != nil {
		return resolution{}, err
	}
	if pending != "" {
		for i := range unused {
			if unused[i].Secret == pending {
				return resolution{conn: &unused[i], claim: true, verify: true}, nil
			}
		}
	}
	return resolution{conn: &unused[0], claim: true, verify: true}, nil
}

// claim binds connection id to sender. Losing the race to another copy of
// a request from the same sender is not an error.
func (r *Router) claim(id, sender string, now time.Time) (*storage.Connection, error) {
	conn, err := r.store.ClaimConnection(id, sender, now)
	if err == nil {
		log.Info().Object("connection", conn).Msg("Connection paired")
		return conn, nil
	}
	if !errors.Is(err, storage.ErrAlreadyClaimed) && !errors.Is(err, storage.ErrKeyBound) {
		return nil, err
	}
	if bound, lookupErr := r.store.FindByCounterpartyKey(sender); lookupErr == nil {
		return bound, nil
	}
	return nil, err
}
