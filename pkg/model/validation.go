package model

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/gorhill/cronexpr"
)

// RequestLimits bounds list sizes in export requests; zero disables a bound
type RequestLimits struct {
	MaxSections int
	MaxTabs     int
}

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9._ -]+`)

// SanitizeFilename strips a trailing .pdf and anything that could break a
// Content-Disposition header or escape a directory.
func SanitizeFilename(name string) string {
	name = strings.TrimSpace(name)
	name = strings.TrimSuffix(name, ".pdf")
	name = unsafeFilenameChars.ReplaceAllString(name, "_")
	name = strings.Trim(name, ". ")
	if name == "" {
		return DefaultFilename
	}
	return name
}

// ValidateExportRequest checks a request and fills defaults in place.
// It returns the first problem found; callers map it to a 400.
func ValidateExportRequest(req *ExportRequest, limits RequestLimits) error {
	if strings.TrimSpace(req.URL) == "" {
		return fmt.Errorf("url is required")
	}
	if err := ValidateTargetURL(req.URL); err != nil {
		return err
	}
	if len(req.Sections) > 0 && len(req.Tabs) > 0 {
		return fmt.Errorf("sections and tabs cannot be combined")
	}
	if limits.MaxSections > 0 && len(req.Sections) > limits.MaxSections {
		return fmt.Errorf("too many sections: %d (max %d)", len(req.Sections), limits.MaxSections)
	}
	if limits.MaxTabs > 0 && len(req.Tabs) > limits.MaxTabs {
		return fmt.Errorf("too many tabs: %d (max %d)", len(req.Tabs), limits.MaxTabs)
	}
	for i, sel := range req.Sections {
		if strings.TrimSpace(sel) == "" {
			return fmt.Errorf("sections[%d] is empty", i)
		}
	}
	for i := range req.Tabs {
		tab := &req.Tabs[i]
		if strings.TrimSpace(tab.Selector) == "" {
			return fmt.Errorf("tabs[%d].selector is empty", i)
		}
		if tab.Name == "" {
			tab.Name = tab.Selector
		}
	}
	if opts := req.Options; opts != nil {
		if m := opts.Margins; m != nil && (m.Top < 0 || m.Right < 0 || m.Bottom < 0 || m.Left < 0) {
			return fmt.Errorf("margins must not be negative")
		}
		if opts.Scale < 0 || opts.Scale > 4 {
			return fmt.Errorf("scale must be within 0..4")
		}
	}
	req.Filename = SanitizeFilename(req.Filename)
	return nil
}

// ValidateTargetURL accepts absolute http and https URLs only
func ValidateTargetURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url must use http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("url must include a host")
	}
	return nil
}

// ValidateSchedule checks a schedule before it is stored
func ValidateSchedule(s *Schedule, allowedDomains []string) error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if err := ValidateExportRequest(&s.Target, RequestLimits{}); err != nil {
		return fmt.Errorf("target: %w", err)
	}
	if s.CronExpr != "" {
		if err := ValidateCronExpression(s.CronExpr); err != nil {
			return err
		}
	} else {
		switch s.IntervalType {
		case "daily", "weekly", "monthly":
		default:
			return fmt.Errorf("interval_type must be daily, weekly or monthly when cron_expr is empty")
		}
	}
	if len(s.Recipients.To) == 0 {
		return fmt.Errorf("at least one recipient is required")
	}
	return ValidateRecipientDomains(s.Recipients, allowedDomains)
}

// ValidateRecipientDomains rejects any address whose domain is not on the
// allow-list. An empty allow-list permits every domain. Entries of the
// form "*.example.com" match the base domain and all subdomains.
func ValidateRecipientDomains(recipients Recipients, allowedDomains []string) error {
	if len(allowedDomains) == 0 {
		return nil
	}
	for _, addr := range recipients.All() {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		domain := extractDomain(addr)
		if domain == "" {
			return fmt.Errorf("invalid email address format: %s", addr)
		}
		if !isDomainAllowed(domain, allowedDomains) {
			return fmt.Errorf("email domain '%s' is not allowed (email: %s)", domain, addr)
		}
	}
	return nil
}

func extractDomain(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 || strings.Count(email, "@") != 1 {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(email[at+1:]))
}

func isDomainAllowed(domain string, allowedDomains []string) bool {
	domain = strings.ToLower(domain)
	for _, allowed := range allowedDomains {
		allowed = strings.ToLower(strings.TrimSpace(allowed))
		if domain == allowed {
			return true
		}
		if base, ok := strings.CutPrefix(allowed, "*."); ok {
			if domain == base || strings.HasSuffix(domain, "."+base) {
				return true
			}
		}
	}
	return false
}

// ValidateCronExpression validates a cron expression
func ValidateCronExpression(expr string) error {
	if expr == "" {
		return fmt.Errorf("cron expression cannot be empty")
	}
	if _, err := cronexpr.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression '%s': %v", expr, err)
	}
	return nil
}
