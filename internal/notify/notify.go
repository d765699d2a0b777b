package notify

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"

	"go.uber.org/zap"

	"routeforge/internal/ledger"
	"routeforge/internal/orchestrator"
)

// Notifier sends system notifications.
type Notifier struct {
	Enabled bool

	send   func(title, message string) error
	logger *zap.Logger
}

// New creates a notifier. A disabled notifier is a no-op.
func New(enabled bool, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{Enabled: enabled, send: sendSystem, logger: logger}
}

// Send sends a system notification.
// On macOS, uses osascript to display notifications.
// On other platforms, this is a no-op.
func (n *Notifier) Send(title, message string) error {
	if n == nil || !n.Enabled {
		return nil
	}
	send := n.send
	if send == nil {
		send = sendSystem
	}
	return send(title, message)
}

// StepFinished implements orchestrator.StepObserver. Only failed steps and
// high-assurance executions are announced.
func (n *Notifier) StepFinished(_ context.Context, sig orchestrator.StepSignal) {
	if n == nil || !n.Enabled {
		return
	}
	if sig.StepStatus != ledger.StepFailed && sig.Path == ledger.PathStandard {
		return
	}
	title, message := FormatStepFinished(sig)
	if err := n.Send(title, message); err != nil && n.logger != nil {
		n.logger.Warn("send notification failed", zap.String("step_id", sig.StepID), zap.Error(err))
	}
}

func sendSystem(title, message string) error {
	if runtime.GOOS != "darwin" {
		// Only macOS supported for now
		return nil
	}
	return sendMacOSNotification(title, message)
}

// sendMacOSNotification uses osascript to display a notification.
func sendMacOSNotification(title, message string) error {
	title = strings.ReplaceAll(title, `"`, `\"`)
	message = strings.ReplaceAll(message, `"`, `\"`)

	script := fmt.Sprintf(`display notification "%s" with title "%s"`, message, title)
	cmd := exec.Command("osascript", "-e", script)

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("send notification: %w", err)
	}

	return nil
}

// FormatStepFinished formats a step execution notification.
func FormatStepFinished(sig orchestrator.StepSignal) (title, message string) {
	subject := sig.Capability
	if sig.Description != "" {
		subject = sig.Description
	}
	if sig.StepStatus == ledger.StepFailed {
		title = "⚠️ routeforge Step Failed"
		message = fmt.Sprintf("%s via %s: %s", subject, sig.RouteID, sig.Error)
		return title, message
	}
	title = "✅ routeforge Step Done"
	message = fmt.Sprintf("%s via %s (%s, %.0fms)", subject, sig.RouteID, sig.Path, sig.LatencyMS)
	return title, message
}

// FormatRouteHealth formats a route health change notification.
func FormatRouteHealth(routeID string, healthy bool, reason string) (title, message string) {
	if healthy {
		return "🟢 routeforge Route Recovered", routeID
	}
	title = "🔴 routeforge Route Unhealthy"
	message = routeID
	if reason != "" {
		message = fmt.Sprintf("%s: %s", routeID, reason)
	}
	return title, message
}
