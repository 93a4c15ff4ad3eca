package services

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/wneessen/go-mail"

	"regtech-pipeline/internal/config"
	"regtech-pipeline/internal/models"
	"regtech-pipeline/internal/pkg/logger"
)

// EmailService delivers the final report to the configured recipients.
// Recipients are independent: one rejected address never blocks the rest,
// and a fully failed delivery never fails the analysis run.
type EmailService struct {
	config config.SMTPConfig
	logger *logger.Logger

	// send delivers one message. Tests swap it for a double.
	send func(ctx context.Context, msg *mail.Msg) error
}

func NewEmailService(cfg config.SMTPConfig, log *logger.Logger) *EmailService {
	service := &EmailService{
		config: cfg,
		logger: log,
	}
	service.send = service.sendSMTP
	return service
}

// SetSender overrides the delivery function. Test hook.
func (service *EmailService) SetSender(send func(ctx context.Context, msg *mail.Msg) error) {
	service.send = send
}

// SendReport mails the report summary to every recipient, attaching the
// PDF when one was rendered. Returns the per-recipient outcome; the only
// error case is an empty recipient list, which is reported as not
// attempted rather than failed.
func (service *EmailService) SendReport(ctx context.Context, state *models.PipelineState) *models.DeliveryStatus {
	startTime := time.Now()

	recipients := state.Recipients
	if len(recipients) == 0 && state.Profile.ContactEmail != "" {
		recipients = []string{state.Profile.ContactEmail}
	}
	if len(recipients) == 0 {
		service.logger.Info("No email recipients configured, skipping notification", "analysis_id", state.ID)
		return &models.DeliveryStatus{Attempted: false, Success: false}
	}

	if service.config.Simulate {
		status := &models.DeliveryStatus{Attempted: true, Simulated: true, Success: true}
		for _, rcpt := range recipients {
			status.Recipients = append(status.Recipients, models.RecipientStatus{Email: rcpt, Success: true})
		}
		service.logger.Info("Email delivery simulated", "analysis_id", state.ID, "recipients", len(recipients))
		return status
	}

	body := service.buildBody(state)
	subject := fmt.Sprintf("[규제 준수 분석] %s 분석 결과 보고서", state.Profile.ProductName)

	status := &models.DeliveryStatus{Attempted: true}
	successCount := 0

	for _, rcpt := range recipients {
		err := service.sendOne(ctx, rcpt, subject, body, state)
		entry := models.RecipientStatus{Email: rcpt, Success: err == nil}
		if err != nil {
			entry.Error = err.Error()
			service.logger.WithError(err).Warn("Email delivery failed", "recipient", rcpt, "analysis_id", state.ID)
		} else {
			successCount++
		}
		status.Recipients = append(status.Recipients, entry)
	}

	status.Success = successCount > 0
	if successCount == 0 {
		status.Error = "all recipients failed"
	}

	service.logger.LogService("email", "send_report", time.Since(startTime), map[string]interface{}{
		"analysis_id": state.ID,
		"recipients":  len(recipients),
		"delivered":   successCount,
	}, nil)

	return status
}

func (service *EmailService) sendOne(ctx context.Context, recipient, subject, body string, state *models.PipelineState) error {
	msg := mail.NewMsg()
	if err := msg.From(service.config.From); err != nil {
		return fmt.Errorf("invalid sender address: %w", err)
	}
	if err := msg.To(recipient); err != nil {
		return fmt.Errorf("invalid recipient address: %w", err)
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextHTML, body)

	if state.FinalReport != nil && state.FinalReport.ReportPDFPath != "" {
		msg.AttachFile(state.FinalReport.ReportPDFPath)
	}

	return service.send(ctx, msg)
}

func (service *EmailService) sendSMTP(ctx context.Context, msg *mail.Msg) error {
	client, err := mail.NewClient(service.config.Host,
		mail.WithPort(service.config.Port),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(service.config.Username),
		mail.WithPassword(service.config.Password),
		mail.WithTLSPolicy(mail.TLSMandatory),
		mail.WithTimeout(service.config.Timeout),
	)
	if err != nil {
		return fmt.Errorf("failed to create SMTP client: %w", err)
	}
	return client.DialAndSendWithContext(ctx, msg)
}

// buildBody renders the HTML notification body with badges, the executive
// summary, key insights and next steps.
func (service *EmailService) buildBody(state *models.PipelineState) string {
	summary := ""
	var insights, nextSteps []string
	if state.FinalReport != nil {
		summary = state.FinalReport.ExecutiveSummary
		insights = state.FinalReport.KeyInsights
		nextSteps = state.FinalReport.NextSteps
	}

	insightsHTML := listItems(insights, "등록된 인사이트가 없습니다.")
	nextStepsHTML := listItems(nextSteps, "다음 단계 제안이 없습니다.")

	summaryHTML := "<p>요약 정보가 없습니다.</p>"
	if summary != "" {
		summaryHTML = "<p>" + strings.ReplaceAll(html.EscapeString(summary), "\n", "<br>") + "</p>"
	}

	return fmt.Sprintf(`<!DOCTYPE html>
<html>
<head>
<meta charset="UTF-8">
<style>
body { font-family: Arial, sans-serif; line-height: 1.6; color: #333; }
.container { max-width: 720px; margin: 0 auto; padding: 20px; }
.header { background-color: #1f5ca6; color: white; padding: 18px 22px; border-radius: 6px; }
.section { margin-top: 24px; padding: 18px 22px; background-color: #f7f9fc; border-radius: 6px; }
h1 { margin: 0 0 6px 0; font-size: 22px; }
h2 { margin-top: 0; color: #1f5ca6; }
ul { padding-left: 20px; }
.footer { margin-top: 32px; font-size: 12px; color: #6b7280; text-align: center; }
.badge { display: inline-block; background-color: #2563eb; color: #fff; padding: 4px 10px; border-radius: 12px; font-size: 12px; margin-right: 8px; }
</style>
</head>
<body>
<div class="container">
  <div class="header">
    <h1>규제 준수 분석 결과</h1>
    <p>%s</p>
  </div>
  <div class="section">
    <h2>요약</h2>
    <span class="badge">규제 %d건</span>
    <span class="badge">체크리스트 %d건</span>
    <span class="badge">실행 계획 %d건</span>
    <div style="margin-top: 16px;">%s</div>
  </div>
  <div class="section">
    <h2>핵심 인사이트</h2>
    <ul>%s</ul>
  </div>
  <div class="section">
    <h2>다음 단계</h2>
    <ul>%s</ul>
  </div>
  <div class="footer">
    <p>본 메일은 규제 준수 분석 시스템에서 자동 발송되었습니다.</p>
  </div>
</div>
</body>
</html>`,
		time.Now().Format("2006-01-02 15:04"),
		len(state.Regulations),
		len(state.Checklists),
		len(state.ExecutionPlans),
		summaryHTML,
		insightsHTML,
		nextStepsHTML,
	)
}

func listItems(items []string, empty string) string {
	if len(items) == 0 {
		return "<li>" + html.EscapeString(empty) + "</li>"
	}
	limit := len(items)
	if limit > 5 {
		limit = 5
	}
	var b strings.Builder
	for _, item := range items[:limit] {
		b.WriteString("<li>" + html.EscapeString(item) + "</li>")
	}
	return b.String()
}
