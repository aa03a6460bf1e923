package manager

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"

	"pwrec/internal/alerts"
	"pwrec/internal/integrations/discord"
	"pwrec/internal/models"
)

const maxDashboardNotifications = 50

// KindNotification is the realtime message kind for new feed entries.
const KindNotification = "notification"

// onAlert feeds alert activity into the dashboard and, for new alerts at or above the
// configured severity, Discord.
func (m *Manager) onAlert(n alerts.Notification) {
	a := n.Alert
	event := fmt.Sprintf("alert-%s", n.Action)
	title := fmt.Sprintf("%s alert %s", formatEventLabel(string(a.Type)), n.Action)
	m.enqueueDashboardNotification(notificationKindForAlert(n), event, title, a.Message, a.SessionID, "alerts")
	if n.Action != alerts.ActionCreated || !m.severityNotifies(a.Severity) {
		return
	}
	embed := discord.AlertEmbed(a, m.colorForSeverity(a.Severity))
	m.discordWG.Add(1)
	go func() {
		defer m.discordWG.Done()
		m.DiscordNotify("", embed)
	}()
}

func (m *Manager) severityNotifies(sev models.AlertSeverity) bool {
	floor := models.AlertSeverity(strings.TrimSpace(m.Config.Notifications.MinSeverity))
	return severityRank(sev) >= severityRank(floor)
}

func severityRank(sev models.AlertSeverity) int {
	switch sev {
	case models.SeverityCritical:
		return 2
	case models.SeverityWarning:
		return 1
	default:
		return 0
	}
}

// DiscordNotify posts a simple embed or content message to the configured webhook.
// It is best-effort and rate limited; dropped or failed posts are logged.
func (m *Manager) DiscordNotify(content string, embeds ...discord.Embed) {
	wh := strings.TrimSpace(m.Config.Notifications.DiscordWebhook)
	if wh == "" {
		return
	}
	if m.discordLimiter != nil && !m.discordLimiter.Allow() {
		m.logger.Warn("discord notification dropped by rate limit")
		return
	}
	payload := discord.WebhookPayload{Content: strings.TrimSpace(content)}
	if len(embeds) > 0 {
		payload.Embeds = embeds
	}
	ctx, cancel := context.WithTimeout(m.ctx, 10*time.Second)
	defer cancel()
	status, err := discord.Post(ctx, wh, payload)
	if err != nil || status < 200 || status >= 300 {
		m.safeLog(fmt.Sprintf("Discord notify failed (status=%d): %v", status, err))
	}
}

func (m *Manager) enqueueDashboardNotification(kind, event, title, message, sessionID, source string) {
	entry := models.DashboardNotification{
		ID:        m.notificationSeq.Add(1),
		Kind:      kind,
		Event:     event,
		Title:     strings.TrimSpace(title),
		Message:   strings.TrimSpace(message),
		SessionID: sessionID,
		Source:    strings.TrimSpace(source),
		CreatedAt: time.Now(),
	}
	m.notificationsMu.Lock()
	// Prepend and enforce max buffer length
	buffer := make([]models.DashboardNotification, 0, len(m.notifications)+1)
	buffer = append(buffer, entry)
	buffer = append(buffer, m.notifications...)
	if len(buffer) > maxDashboardNotifications {
		buffer = buffer[:maxDashboardNotifications]
	}
	m.notifications = buffer
	m.notificationsMu.Unlock()

	m.logger.Debug("notification", zap.String("event", event), zap.String("session", sessionID))
	m.publish(KindNotification, entry)
}

func notificationKindForAlert(n alerts.Notification) string {
	switch n.Action {
	case alerts.ActionAcknowledged:
		return models.NotificationKindSuccess
	case alerts.ActionDismissed:
		return models.NotificationKindInfo
	}
	switch n.Alert.Severity {
	case models.SeverityCritical:
		return models.NotificationKindDanger
	case models.SeverityWarning:
		return models.NotificationKindWarning
	default:
		return models.NotificationKindInfo
	}
}

func formatEventLabel(event string) string {
	parts := strings.FieldsFunc(event, func(r rune) bool {
		return r == '-' || r == '_' || unicode.IsSpace(r)
	})
	if len(parts) == 0 {
		return ""
	}
	for i, part := range parts {
		runes := []rune(strings.ToLower(part))
		runes[0] = unicode.ToUpper(runes[0])
		parts[i] = string(runes)
	}
	return strings.Join(parts, " ")
}

// RecentNotifications returns up to limit most recent dashboard notifications.
func (m *Manager) RecentNotifications(limit int) []models.DashboardNotification {
	m.notificationsMu.RLock()
	defer m.notificationsMu.RUnlock()
	if len(m.notifications) == 0 {
		return nil
	}
	if limit <= 0 || limit > len(m.notifications) {
		limit = len(m.notifications)
	}
	out := make([]models.DashboardNotification, limit)
	copy(out, m.notifications[:limit])
	return out
}

// parseHexColor converts a #RRGGBB string to an int. Fallback provided on failure.
func parseHexColor(hex string, fallback int) int {
	h := strings.TrimSpace(hex)
	if len(h) == 7 && strings.HasPrefix(h, "#") {
		if n, err := strconv.ParseInt(h[1:], 16, 32); err == nil {
			return int(n)
		}
	}
	return fallback
}

// colorForSeverity uses the configured #RRGGBB colour for the severity, falling back to
// red, amber and blue.
func (m *Manager) colorForSeverity(sev models.AlertSeverity) int {
	fallback := 0x2563EB
	switch sev {
	case models.SeverityCritical:
		fallback = 0xDC2626
	case models.SeverityWarning:
		fallback = 0xF59E0B
	}
	return parseHexColor(m.Config.Notifications.Colors[string(sev)], fallback)
}
