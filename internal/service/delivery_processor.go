package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/fanout-dispatch/internal/directory"
	"github.com/notifyhub/fanout-dispatch/internal/domain"
	"github.com/notifyhub/fanout-dispatch/internal/provider"
	"github.com/notifyhub/fanout-dispatch/internal/repository"
)

// Stages reported to OnTransient.
const (
	StageLoad    = "load"
	StageResolve = "resolve"
	StageContent = "content"
	StageSend    = "send"
	StageRecord  = "record"
)

// unknownChannel labels failures that happen before the delivery is loaded.
const unknownChannel domain.Channel = "unknown"

// ProcessorHooks carries metric callbacks. Nil fields are no-ops.
type ProcessorHooks struct {
	// OnCompleted fires once per delivery, when its terminal outcome is written.
	OnCompleted func(channel domain.Channel, outcome domain.Outcome, latency time.Duration)
	// OnTransient fires for every attempt that ends in a redeliverable error.
	OnTransient func(channel domain.Channel, stage string)
}

// ProcessorTimeouts bound the external calls of one attempt. Zero disables
// the bound.
type ProcessorTimeouts struct {
	Resolve time.Duration
	Send    time.Duration
}

// DeliveryProcessor is the job handler: it drives a single Delivery from
// pending to a terminal state.
type DeliveryProcessor struct {
	repo     repository.DeliveryRepository
	dir      directory.Directory
	sender   provider.Sender
	timeouts ProcessorTimeouts
	hooks    ProcessorHooks
	logger   *zap.Logger
	now      func() time.Time
}

func NewDeliveryProcessor(
	repo repository.DeliveryRepository,
	dir directory.Directory,
	sender provider.Sender,
	timeouts ProcessorTimeouts,
	hooks ProcessorHooks,
	logger *zap.Logger,
) *DeliveryProcessor {
	if hooks.OnCompleted == nil {
		hooks.OnCompleted = func(domain.Channel, domain.Outcome, time.Duration) {}
	}
	if hooks.OnTransient == nil {
		hooks.OnTransient = func(domain.Channel, string) {}
	}
	return &DeliveryProcessor{
		repo: repo, dir: dir, sender: sender,
		timeouts: timeouts, hooks: hooks, logger: logger,
		now: time.Now,
	}
}

// ProcessDelivery handles one job. It is safe to call any number of times
// for the same delivery, concurrently or not.
//
// Return values:
//
//	nil                  terminal outcome recorded, or the delivery was already terminal
//	domain.ErrNotFound   the delivery does not exist; discard the job
//	anything else        transient or storage failure; the delivery is still
//	                     pending and the job should be redelivered
//
// Permanent failures (no usable contact, channel rejection) are recorded on
// the delivery and never returned.
func (p *DeliveryProcessor) ProcessDelivery(ctx context.Context, tenantID, deliveryID string) error {
	start := time.Now()
	log := p.logger.With(
		zap.String("delivery_id", deliveryID),
		zap.String("tenant_id", tenantID),
	)

	d, err := p.repo.GetDelivery(ctx, tenantID, deliveryID)
	if errors.Is(err, domain.ErrNotFound) {
		log.Warn("delivery not found, discarding job")
		return fmt.Errorf("delivery %s: %w", deliveryID, domain.ErrNotFound)
	}
	if err != nil {
		p.hooks.OnTransient(unknownChannel, StageLoad)
		return fmt.Errorf("load delivery: %w", err)
	}
	log = log.With(zap.String("channel", string(d.Channel)))

	// Terminal means done: no second resolve, no second send.
	if d.State.IsTerminal() {
		log.Debug("delivery already terminal", zap.String("state", string(d.State)))
		return nil
	}

	outcome, stage, err := p.attempt(ctx, d)
	if err != nil {
		p.hooks.OnTransient(d.Channel, stage)
		log.Warn("delivery attempt failed, will be redelivered", zap.String("stage", stage), zap.Error(err))
		return err
	}

	applied, err := p.repo.CompleteDelivery(ctx, tenantID, deliveryID, outcome)
	if err != nil {
		p.hooks.OnTransient(d.Channel, StageRecord)
		log.Error("failed to record outcome", zap.String("state", string(outcome.State)), zap.Error(err))
		return fmt.Errorf("record outcome: %w", err)
	}
	if !applied {
		log.Debug("another processor completed the delivery first; result discarded")
		return nil
	}

	latency := time.Since(start)
	p.hooks.OnCompleted(d.Channel, outcome, latency)
	fields := []zap.Field{zap.String("state", string(outcome.State)), zap.Duration("latency", latency)}
	if outcome.FailureReason != nil {
		fields = append(fields, zap.String("failure_reason", string(*outcome.FailureReason)))
	}
	if outcome.ProviderMessageID != nil {
		fields = append(fields, zap.String("provider_msg_id", *outcome.ProviderMessageID))
	}
	log.Info("delivery completed", fields...)
	return nil
}

// attempt resolves, sends and classifies. A non-nil error is always
// redeliverable; permanent failures come back as a Failed outcome.
func (p *DeliveryProcessor) attempt(ctx context.Context, d *domain.Delivery) (domain.Outcome, string, error) {
	contact, err := p.resolve(ctx, d)
	if err != nil {
		if errors.Is(err, domain.ErrReceiverInfoNotFound) {
			return domain.Failed(p.now(), domain.ReasonReceiverInfoNotFound), "", nil
		}
		return domain.Outcome{}, StageResolve, transient("resolve recipient", err)
	}

	content, err := p.repo.GetContent(ctx, d.TenantID, d.ContentID)
	if errors.Is(err, domain.ErrNotFound) {
		// The content is written in the same unit as its deliveries, so this
		// is corruption; no retry will bring it back.
		p.logger.Error("content missing for delivery",
			zap.String("delivery_id", d.ID), zap.String("content_id", d.ContentID))
		return domain.Failed(p.now(), domain.ReasonSendingFailed), "", nil
	}
	if err != nil {
		return domain.Outcome{}, StageContent, fmt.Errorf("load content: %w", err)
	}

	res, err := p.send(ctx, contact, content)
	if err != nil {
		if chErr, ok := domain.AsChannelError(err); ok {
			return domain.Failed(p.now(), channelReason(chErr.Reason)), "", nil
		}
		return domain.Outcome{}, StageSend, transient("send", err)
	}

	msgID := ""
	if res != nil {
		msgID = res.MessageID
	}
	return domain.Succeeded(p.now(), msgID), "", nil
}

func (p *DeliveryProcessor) resolve(ctx context.Context, d *domain.Delivery) (domain.ContactData, error) {
	if p.timeouts.Resolve > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeouts.Resolve)
		defer cancel()
	}
	return p.dir.Resolve(ctx, d.TenantID, d.RecipientID, d.Channel)
}

func (p *DeliveryProcessor) send(ctx context.Context, contact domain.ContactData, content *domain.Content) (*provider.SendResult, error) {
	if p.timeouts.Send > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeouts.Send)
		defer cancel()
	}
	return p.sender.Send(ctx, contact, content)
}

// channelReason keeps sender classifications apart from directory outcomes.
func channelReason(r domain.FailureReason) domain.FailureReason {
	if !r.IsValid() || r == domain.ReasonReceiverInfoNotFound {
		return domain.ReasonSendingFailed
	}
	return r
}

// transient marks err redeliverable. Errors that already classify as
// transient keep their chain; unknown errors from an adapter are treated as
// transient too, since only classified errors may end a delivery.
func transient(op string, err error) error {
	err = fmt.Errorf("%s: %w", op, err)
	if domain.IsTransient(err) {
		return err
	}
	return domain.Transient(err)
}
