package signal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/dkeye/sfu-signaling/internal/app/orch"
	"github.com/dkeye/sfu-signaling/internal/core"
	"github.com/dkeye/sfu-signaling/internal/domain"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
)

// Router turns one inbound text frame into exactly one outbound frame.
type Router struct {
	Orch     *orch.Orchestrator
	validate *validator.Validate
}

func NewRouter(o *orch.Orchestrator) *Router {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("jsonobject", isJSONObject)
	return &Router{Orch: o, validate: v}
}

func isJSONObject(fl validator.FieldLevel) bool {
	f := fl.Field()
	if f.Kind() != reflect.Slice {
		return false
	}
	b := bytes.TrimSpace(f.Bytes())
	return len(b) > 0 && b[0] == '{' && json.Valid(b)
}

// Handle never fails: parse, validation and handler errors all come back
// as a single error frame and leave the session as it was.
func (r *Router) Handle(ctx context.Context, sess *core.Session, raw []byte) core.Frame {
	logger := log.With().Str("module", "signal").Str("sid", string(sess.ID())).Logger()

	var env envelope
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		logger.Warn().Msg("bad json")
		return errorFrame(domain.Errorf(domain.KindMalformedMessage, "Invalid message format"))
	}
	if err := json.Unmarshal(trimmed, &env); err != nil {
		logger.Warn().Err(err).Msg("bad json")
		return errorFrame(domain.Errorf(domain.KindMalformedMessage, "Invalid message format"))
	}

	resp, err := r.dispatch(ctx, sess, env.Type, trimmed)
	if err != nil {
		logger.Warn().Err(err).Str("type", string(env.Type)).Str("kind", string(domain.KindOf(err))).Msg("request rejected")
		return errorFrame(err)
	}
	logger.Debug().Str("type", string(env.Type)).Str("phase", sess.Phase().String()).Msg("request handled")
	return encode(resp)
}

func (r *Router) dispatch(ctx context.Context, sess *core.Session, t MessageType, data []byte) (any, error) {
	switch t {
	case TypeGetRouterRtpCapabilities:
		return r.handleCapabilities(ctx, sess)
	case TypeCreateProducerTransport:
		return r.handleCreateTransport(ctx, sess, domain.RoleProducer, TypeProducerTransportCreated)
	case TypeCreateConsumerTransport:
		return r.handleCreateTransport(ctx, sess, domain.RoleConsumer, TypeConsumerTransportCreated)
	case TypeConnectProducerTransport:
		return r.handleConnectTransport(ctx, sess, domain.RoleProducer, data, TypeTransportConnected)
	case TypeConnectConsumerTransport:
		return r.handleConnectTransport(ctx, sess, domain.RoleConsumer, data, TypeConsumerTransportConnected)
	case TypeProduce:
		return r.handleProduce(ctx, sess, data)
	case TypeConsume:
		return r.handleConsume(ctx, sess, data)
	case TypePing:
		return r.handlePing(sess)
	default:
		return nil, domain.Errorf(domain.KindUnknownMessageType, "Unknown message type %q", t)
	}
}

// decode unmarshals and validates a typed request.
func (r *Router) decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return domain.Wrap(domain.KindMalformedMessage, err, "Invalid message format")
	}
	if err := r.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return domain.Wrap(domain.KindMalformedMessage, err, "Invalid message fields")
		}
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
		}
		return domain.Errorf(domain.KindMalformedMessage, "Invalid message fields: %s", strings.Join(fields, ", "))
	}
	return nil
}

func encode(v any) core.Frame {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("encode frame")
		return errorFrame(domain.Wrap(domain.KindEngineError, err, "encode response"))
	}
	return b
}

func errorFrame(err error) core.Frame {
	b, _ := json.Marshal(errorResponse{
		Type:    TypeError,
		Kind:    domain.KindOf(err),
		Message: err.Error(),
	})
	return b
}
