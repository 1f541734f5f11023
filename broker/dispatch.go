// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/absmach/fluxipc/function"
	"github.com/absmach/fluxipc/message"
	"github.com/absmach/fluxipc/queue"
	"github.com/absmach/fluxipc/topic"
)

const accessDenied = "access denied"

// dispatch routes one request and returns its response.
func (c *Connection) dispatch(ctx context.Context, req *message.Message) *message.Message {
	start := time.Now()
	resp := c.route(ctx, req)
	c.b.metrics.RecordDispatchDuration(req.Type().String(), float64(time.Since(start).Microseconds())/1000)
	return resp
}

func (c *Connection) route(ctx context.Context, req *message.Message) *message.Message {
	switch req.Type() {
	case message.TypeRequest:
		return c.call(ctx, req)
	case message.TypeOffer:
		return c.offer(ctx, req)
	case message.TypePoll:
		return c.poll(ctx, req)
	case message.TypeSubscribe:
		return c.subscribe(req)
	case message.TypeUnsubscribe:
		return c.unsubscribe(req)
	case message.TypePublish:
		return c.publish(req)
	case message.TypeCreateQueue:
		return c.createQueue(req)
	case message.TypeRemoveQueue:
		return c.removeQueue(req)
	case message.TypeStatusQueue:
		return c.statusQueue(req)
	case message.TypeCreateTempQueue:
		return c.createTempQueue(req)
	case message.TypeCreateTopic:
		return c.createTopic(req)
	case message.TypeRemoveTopic:
		return c.removeTopic(req)
	case message.TypeStatusTopic:
		return c.jsonReply(req, c.b.topics.Status(req.Subject()))
	case message.TypeTest:
		f := req.Fields()
		return req.Reply(message.StatusOK, message.WithText(f.Mimetype, f.Charset, f.Payload))
	case message.TypeServerStatus:
		return c.jsonReply(req, c.b.ServerStatus())
	case message.TypeServerThreadPoolStat:
		return c.jsonReply(req, c.b.ThreadPoolStats())
	default:
		c.b.stats.IncrementProtocolErrors()
		return req.ReplyText(message.StatusBadRequest,
			fmt.Sprintf("unsupported message type %s", req.Type()))
	}
}

func (c *Connection) jsonReply(req *message.Message, v any) *message.Message {
	resp, err := req.ReplyJSON(message.StatusOK, v)
	if err != nil {
		return req.ReplyText(message.StatusServerError, err.Error())
	}
	return resp
}

func (c *Connection) call(ctx context.Context, req *message.Message) *message.Message {
	resp := c.b.functions.Dispatch(ctx, function.Call{
		ConnectionID: c.id,
		Principal:    c.principal,
		Request:      req,
	})
	if s := resp.Status(); s == message.StatusServerError || s == message.StatusHandlerError {
		c.b.metrics.RecordHandlerError(s.String())
	}
	return resp
}

func (c *Connection) offer(ctx context.Context, req *message.Message) *message.Message {
	name := req.Subject()
	if !c.b.auth.CanWriteQueue(c.principal, name) {
		return c.queueReply(req, "offer", message.StatusBadRequest, accessDenied)
	}
	err := c.b.queues.Offer(ctx, name, req, req.Timeout())
	if err != nil {
		return c.queueReply(req, "offer", queueStatus(err), err.Error())
	}
	return c.queueReply(req, "offer", message.StatusOK, "")
}

func (c *Connection) poll(ctx context.Context, req *message.Message) *message.Message {
	name := req.Subject()
	if !c.b.auth.CanReadQueue(c.principal, name) {
		return c.queueReply(req, "poll", message.StatusBadRequest, accessDenied)
	}
	m, err := c.b.queues.Poll(ctx, name, req.Timeout())
	if err != nil {
		return c.queueReply(req, "poll", queueStatus(err), err.Error())
	}
	c.b.metrics.RecordQueueOp("poll", message.StatusOK.String())

	// The response carries the polled message, correlated with the request.
	f := m.Fields()
	f.ID = req.ID()
	f.RequestID = req.RequestID()
	f.Type = message.TypeResponse
	f.Status = message.StatusOK
	resp, err := message.FromFields(f)
	if err != nil {
		return req.ReplyText(message.StatusServerError, err.Error())
	}
	return resp
}

func (c *Connection) queueReply(req *message.Message, op string, status message.Status, text string) *message.Message {
	c.b.metrics.RecordQueueOp(op, status.String())
	if text == "" {
		return req.Reply(status)
	}
	return req.ReplyText(status, text)
}

func queueStatus(err error) message.Status {
	switch {
	case errors.Is(err, queue.ErrQueueNotFound):
		return message.StatusQueueNotFound
	case errors.Is(err, queue.ErrQueueFull):
		return message.StatusQueueFull
	case errors.Is(err, queue.ErrQueueEmpty):
		return message.StatusQueueEmpty
	case errors.Is(err, queue.ErrMessageTooLarge),
		errors.Is(err, queue.ErrInvalidConfig),
		errors.Is(err, queue.ErrMaxQueues),
		errors.Is(err, message.ErrInvalidName):
		return message.StatusBadRequest
	default:
		return message.StatusServerError
	}
}

func (c *Connection) canManageQueues() bool {
	return c.b.cfg.PermitClientQueueMgmt || c.admin
}

func (c *Connection) canManageTopics() bool {
	return c.b.cfg.PermitClientTopicMgmt || c.admin
}

func (c *Connection) createQueue(req *message.Message) *message.Message {
	if !c.canManageQueues() {
		return req.ReplyText(message.StatusBadRequest, "queue management not permitted")
	}
	var spec message.QueueSpec
	if err := req.DecodeJSON(&spec); err != nil {
		return req.ReplyText(message.StatusBadRequest, err.Error())
	}
	if spec.Name == "" {
		spec.Name = req.Subject()
	}
	if strings.HasPrefix(spec.Name, queue.TempPrefix) {
		return req.ReplyText(message.StatusBadRequest, "reserved queue name prefix "+queue.TempPrefix)
	}

	cfg, err := queue.FromSpec(spec)
	if err != nil {
		return req.ReplyText(message.StatusBadRequest, err.Error())
	}
	q, created, err := c.b.queues.CreateQueue(cfg)
	if err != nil {
		return req.ReplyText(queueStatus(err), err.Error())
	}
	if created {
		c.logger.Info("queue created",
			slog.String("queue", cfg.Name),
			slog.String("type", string(cfg.Type)),
			slog.String("persistence", string(cfg.Persistence)))
	}
	return c.jsonReply(req, q.Status())
}

func (c *Connection) removeQueue(req *message.Message) *message.Message {
	name := req.Subject()
	q, ok := c.b.queues.Get(name)
	if !ok {
		return req.ReplyText(message.StatusQueueNotFound, queue.ErrQueueNotFound.Error())
	}
	// Owners may always remove their temporary queues.
	if cfg := q.Config(); !(cfg.Temporary && cfg.Owner == c.id) && !c.canManageQueues() {
		return req.ReplyText(message.StatusBadRequest, "queue management not permitted")
	}
	if err := c.b.queues.RemoveQueue(name); err != nil {
		return req.ReplyText(queueStatus(err), err.Error())
	}
	c.logger.Info("queue removed", slog.String("queue", name))
	return req.Reply(message.StatusOK)
}

// statusQueue reports a queue to connections that may manage it. Without the
// permission only the owner of a temporary queue sees its status, and a
// missing queue is reported as not permitted rather than absent.
func (c *Connection) statusQueue(req *message.Message) *message.Message {
	q, ok := c.b.queues.Get(req.Subject())
	if !c.canManageQueues() {
		if !ok {
			return req.ReplyText(message.StatusBadRequest, "queue management not permitted")
		}
		if cfg := q.Config(); !cfg.Temporary || cfg.Owner != c.id {
			return req.ReplyText(message.StatusBadRequest, "queue management not permitted")
		}
	}
	if !ok {
		return c.jsonReply(req, message.QueueStatus{Name: req.Subject()})
	}
	return c.jsonReply(req, q.Status())
}

func (c *Connection) createTempQueue(req *message.Message) *message.Message {
	var spec message.TempQueueSpec
	if len(req.Payload()) > 0 {
		if err := req.DecodeJSON(&spec); err != nil {
			return req.ReplyText(message.StatusBadRequest, err.Error())
		}
	}
	if spec.Capacity <= 0 {
		spec.Capacity = c.b.cfg.TempQueueCapacity
	}
	q, err := c.b.queues.CreateTemporary(c.id, spec.Capacity)
	if err != nil {
		return req.ReplyText(queueStatus(err), err.Error())
	}
	return c.jsonReply(req, message.TempQueue{Name: q.Name()})
}

func (c *Connection) createTopic(req *message.Message) *message.Message {
	if !c.canManageTopics() {
		return req.ReplyText(message.StatusBadRequest, "topic management not permitted")
	}
	name := req.Subject()
	if len(req.Payload()) > 0 {
		var spec message.TopicSpec
		if err := req.DecodeJSON(&spec); err != nil {
			return req.ReplyText(message.StatusBadRequest, err.Error())
		}
		if spec.Name != "" {
			name = spec.Name
		}
	}
	created, err := c.b.topics.CreateTopic(name)
	if err != nil {
		return req.ReplyText(message.StatusBadRequest, err.Error())
	}
	if created {
		c.logger.Info("topic created", slog.String("topic", name))
	}
	return c.jsonReply(req, c.b.topics.Status(name))
}

func (c *Connection) removeTopic(req *message.Message) *message.Message {
	if !c.canManageTopics() {
		return req.ReplyText(message.StatusBadRequest, "topic management not permitted")
	}
	if err := c.b.topics.RemoveTopic(req.Subject()); err != nil {
		return req.ReplyText(message.StatusBadRequest, err.Error())
	}
	c.logger.Info("topic removed", slog.String("topic", req.Subject()))
	return req.Reply(message.StatusOK)
}

// topicSet returns the topics named by a SUBSCRIBE or UNSUBSCRIBE request:
// the payload set, or the subject alone.
func topicSet(req *message.Message) ([]string, error) {
	if len(req.Payload()) == 0 {
		if req.Subject() == "" {
			return nil, errors.New("no topics given")
		}
		return []string{req.Subject()}, nil
	}
	var set message.TopicSet
	if err := req.DecodeJSON(&set); err != nil {
		return nil, err
	}
	if len(set.Topics) == 0 {
		return nil, errors.New("no topics given")
	}
	return set.Topics, nil
}

func (c *Connection) subscribe(req *message.Message) *message.Message {
	topics, err := topicSet(req)
	if err != nil {
		return req.ReplyText(message.StatusBadRequest, err.Error())
	}
	for _, t := range topics {
		if !c.b.auth.CanReadTopic(c.principal, t) {
			return req.ReplyText(message.StatusBadRequest, fmt.Sprintf("%s: %s", accessDenied, t))
		}
	}

	sub := c.subscription()
	before := len(sub.Topics())
	if err := c.b.topics.Subscribe(sub, topics...); err != nil {
		return req.ReplyText(message.StatusBadRequest, err.Error())
	}
	c.b.metrics.RecordSubscriptions(len(sub.Topics()) - before)
	return c.jsonReply(req, message.TopicSet{Topics: sub.Topics()})
}

func (c *Connection) unsubscribe(req *message.Message) *message.Message {
	topics, err := topicSet(req)
	if err != nil {
		return req.ReplyText(message.StatusBadRequest, err.Error())
	}
	if c.sub == nil {
		return c.jsonReply(req, message.TopicSet{Topics: []string{}})
	}
	before := len(c.sub.Topics())
	c.b.topics.Unsubscribe(c.sub, topics...)
	c.b.metrics.RecordSubscriptions(len(c.sub.Topics()) - before)
	return c.jsonReply(req, message.TopicSet{Topics: c.sub.Topics()})
}

func (c *Connection) publish(req *message.Message) *message.Message {
	name := req.Subject()
	if !c.b.auth.CanWriteTopic(c.principal, name) {
		return req.ReplyText(message.StatusBadRequest, accessDenied)
	}
	if limit := c.b.cfg.MaxMessageSize; limit > 0 && int64(len(req.Payload())) > limit {
		return req.ReplyText(message.StatusBadRequest, queue.ErrMessageTooLarge.Error())
	}

	reached, err := c.b.topics.Publish(name, req)
	if err != nil {
		status := message.StatusServerError
		if errors.Is(err, topic.ErrTopicNotFound) {
			status = message.StatusBadRequest
		}
		return req.ReplyText(status, err.Error())
	}
	c.b.stats.IncrementPublished()
	c.b.metrics.RecordPublish(reached)
	return c.jsonReply(req, message.PublishAck{Subscribers: reached})
}
