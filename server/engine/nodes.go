package engine

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/THPTUHA/careflow/pkg/condition"
	"github.com/THPTUHA/careflow/pkg/helper"
	"github.com/THPTUHA/careflow/pkg/workflow"
	"github.com/THPTUHA/careflow/server/messaging"
	"github.com/THPTUHA/careflow/server/storage/models"
	"github.com/valyala/fasttemplate"
)

func (w *walker) execute(ctx context.Context, n *workflow.Node, offset time.Duration) nodeResult {
	var res nodeResult
	switch d := n.Data.(type) {
	case *workflow.DelayNode:
		return w.delay(n, d, offset)
	case *workflow.TriggerNode:
		res = w.trigger(n, d)
	case *workflow.ConditionNode:
		res = w.condition(n, d)
	case *workflow.TimeWindowNode:
		res = w.timeWindow(n, d)
	case *workflow.ActionNode:
		res = w.action(ctx, n, d)
	default:
		err := fmt.Errorf("unsupported node data %T", n.Data)
		w.logf("%s: %v", n.ID, err)
		res = nodeResult{Status: models.NodeError, Err: err}
	}
	res.Offset = offset
	return res
}

func (w *walker) trigger(n *workflow.Node, d *workflow.TriggerNode) nodeResult {
	w.logf("Trigger %s fired on %s", name(n), d.TriggerType)
	return nodeResult{Status: models.NodeSuccess, Next: w.g.Outgoing(n.ID)}
}

func (w *walker) condition(n *workflow.Node, d *workflow.ConditionNode) nodeResult {
	ok := condition.Evaluate(d.Condition, w.vars)
	handle := workflow.HandleFalse
	if ok {
		handle = workflow.HandleTrue
	}
	w.logf("Condition %s: %s %s %s is %t", name(n), d.Condition.Variable, d.Condition.Operator, d.Condition.Value, ok)

	next := make([]workflow.Edge, 0)
	for _, e := range w.g.Outgoing(n.ID) {
		if e.SourceHandle == handle {
			next = append(next, e)
		}
	}
	return nodeResult{
		Status: models.NodeSuccess,
		Output: map[string]string{"result": handle},
		Next:   next,
	}
}

// delaySpan is how long d waits when it starts at start. Minutes and hours
// are exact; business days are counted on the calendar from start.
func delaySpan(d *workflow.DelayNode, start time.Time) time.Duration {
	if d.Unit == workflow.UnitBusinessDays {
		end := helper.AddBusinessDays(start, d.Amount, d.SkipWeekends == nil || *d.SkipWeekends)
		return time.Duration(helper.DaysBetween(start, end)) * 24 * time.Hour
	}
	return d.Span()
}

// delay passes once the time since the trigger covers every delay on the path
// into it plus its own. Successors inherit the summed offset.
func (w *walker) delay(n *workflow.Node, d *workflow.DelayNode, offset time.Duration) nodeResult {
	due := offset + delaySpan(d, w.anchor.Add(offset))
	days := fmt.Sprintf("%g", due.Hours()/24)

	if w.elapsed >= due {
		w.logf("Delay %s: %d %s elapsed", name(n), d.Amount, d.Unit)
		return nodeResult{
			Status: models.NodeSuccess,
			Output: map[string]string{"requiredDays": days},
			Next:   w.g.Outgoing(n.ID),
			Offset: due,
		}
	}

	w.logf("Delay %s: waiting for %d %s, %d days passed", name(n), d.Amount, d.Unit, w.run.Context.DaysPassed)
	return nodeResult{
		Status:     models.NodePending,
		Output:     map[string]string{"requiredDays": days},
		DeferUntil: w.anchor.Add(due),
		Offset:     offset,
	}
}

func (w *walker) timeWindow(n *workflow.Node, d *workflow.TimeWindowNode) nodeResult {
	in, err := d.Contains(w.now)
	if err != nil {
		w.logf("Time window %s: %v", name(n), err)
		return nodeResult{Status: models.NodeError, Err: err}
	}
	span := fmt.Sprintf("%02d:00-%02d:00", d.StartHour, d.EndHour)
	if d.Timezone != "" {
		span += " " + d.Timezone
	}
	if in {
		w.logf("Time window %s: inside %s", name(n), span)
		return nodeResult{Status: models.NodeSuccess, Next: w.g.Outgoing(n.ID)}
	}

	next, err := d.NextOpen(w.now)
	if err != nil {
		return nodeResult{Status: models.NodeError, Err: err}
	}
	w.logf("Time window %s: outside %s, waiting for next opening", name(n), span)
	return nodeResult{Status: models.NodePending, DeferUntil: next}
}

func (w *walker) action(ctx context.Context, n *workflow.Node, d *workflow.ActionNode) nodeResult {
	key := models.DeliveryKey{
		WorkflowID:    w.run.Definition.ID,
		PatientID:     w.run.Patient.ID,
		AppointmentID: appointmentID(w.run),
		NodeID:        n.ID,
	}
	if !w.dry {
		sent, err := w.e.store.HasDelivery(ctx, key)
		if err != nil {
			return w.actionFailed(n, err)
		}
		if sent {
			w.actionsOK++
			w.logf("Action %s: already delivered", name(n))
			return nodeResult{
				Status: models.NodeSkipped,
				Output: map[string]string{"reason": "already delivered"},
				Next:   w.g.Outgoing(n.ID),
			}
		}
	}

	channel := d.Channel()
	recipient := w.run.Patient.Phone
	if channel == messaging.ChannelEmail {
		recipient = w.run.Patient.Email
	}
	if recipient == "" {
		return w.actionFailed(n, fmt.Errorf("patient %s has no %s recipient", w.run.Patient.ID, channel))
	}

	content, err := render(d.MessageTemplate, w.vars)
	if err != nil {
		return w.actionFailed(n, err)
	}

	msg := messaging.Message{
		Channel:    channel,
		Recipient:  recipient,
		Content:    content,
		Subject:    d.Subject,
		TemplateID: d.TemplateID,
		Metadata: map[string]string{
			"workflowId": w.run.Definition.ID,
			"patientId":  w.run.Patient.ID,
			"nodeId":     n.ID,
		},
	}
	if d.TemplateID != "" {
		msg.TemplateArgs = w.vars
	}

	res, err := w.sender.Send(ctx, msg)
	if err != nil {
		return w.actionFailed(n, err)
	}
	if !res.Success {
		reason := res.Error
		if reason == "" {
			reason = "provider rejected the message"
		}
		return w.actionFailed(n, fmt.Errorf("%s", reason))
	}

	w.actionsOK++
	w.logf("Action %s: sent %s to %s", name(n), channel, recipient)

	if !w.dry {
		err := w.e.store.RecordDelivery(ctx, &models.Delivery{
			DeliveryKey:       key,
			Channel:           channel,
			ExecutionID:       w.executionID,
			ProviderMessageID: res.ProviderMessageID,
			DeliveredAt:       w.now,
		})
		if err != nil {
			w.e.logger.WithError(err).WithField("node", n.ID).Warn("engine: delivery not recorded")
		}
	}

	return nodeResult{
		Status: models.NodeSuccess,
		Output: map[string]string{
			"channel":           channel,
			"providerMessageId": res.ProviderMessageID,
		},
		Next: w.g.Outgoing(n.ID),
	}
}

func (w *walker) actionFailed(n *workflow.Node, err error) nodeResult {
	w.actionsFailed++
	w.logf("Action %s: failed: %v", name(n), err)
	return nodeResult{Status: models.NodeError, Err: err}
}

// render resolves conditional blocks and then {{variable}} placeholders.
// Unknown placeholders are kept as written.
func render(tpl string, vars map[string]string) (string, error) {
	text := condition.RenderText(tpl, vars)
	out, err := fasttemplate.ExecuteFuncStringWithErr(text, "{{", "}}", func(w io.Writer, tag string) (int, error) {
		if v, ok := vars[strings.TrimSpace(tag)]; ok {
			return w.Write([]byte(v))
		}
		return w.Write([]byte("{{" + tag + "}}"))
	})
	if err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return out, nil
}

func name(n *workflow.Node) string {
	if n.Label != "" {
		return fmt.Sprintf("%q", n.Label)
	}
	return n.ID
}
