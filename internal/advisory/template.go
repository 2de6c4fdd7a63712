package advisory

import (
	"encoding/json"
	"fmt"
	"html"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/osteele/liquid"
)

// TemplateService renders Liquid templates with parsed-template
// caching. Rendering is lax: a template error logs and returns the
// source unchanged rather than failing the send.
type TemplateService struct {
	engine *liquid.Engine
	cache  sync.Map // map[string]*liquid.Template
}

// NewTemplateService creates the service and registers the
// advisory-specific filters.
func NewTemplateService() *TemplateService {
	ts := &TemplateService{engine: liquid.NewEngine()}
	ts.registerFilters()
	return ts
}

func (ts *TemplateService) registerFilters() {
	// Fallback value: {{ author | default: "Security Team" }}
	ts.engine.RegisterFilter("default", func(value interface{}, defaultVal string) interface{} {
		if value == nil {
			return defaultVal
		}
		s := fmt.Sprintf("%v", value)
		if s == "" || s == "<nil>" {
			return defaultVal
		}
		return value
	})

	// HTML escape: {{ title | escape }}
	ts.engine.RegisterFilter("escape", func(s string) string {
		return html.EscapeString(s)
	})

	// URL encode: {{ ref | urlencode }}
	ts.engine.RegisterFilter("urlencode", func(s string) string {
		return url.QueryEscape(s)
	})

	// Newlines to <br>: {{ custom_message | nl2br }}
	ts.engine.RegisterFilter("nl2br", func(s string) string {
		return strings.ReplaceAll(s, "\n", "<br>")
	})

	// Badge background for a severity level: {{ severity | severity_color }}
	ts.engine.RegisterFilter("severity_color", func(severity string) string {
		switch strings.ToLower(severity) {
		case SeverityCritical:
			return "#dc2626"
		case SeverityHigh:
			return "#ea580c"
		case SeverityMedium:
			return "#eab308"
		case SeverityLow:
			return "#10b981"
		default:
			return "#3b82f6"
		}
	})

	// Long-form date: {{ published_at | long_date }}
	ts.engine.RegisterFilter("long_date", func(t interface{}) string {
		switch v := t.(type) {
		case time.Time:
			return v.Format("January 2, 2006")
		case *time.Time:
			if v == nil {
				return "N/A"
			}
			return v.Format("January 2, 2006")
		case string:
			parsed, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return v
			}
			return parsed.Format("January 2, 2006")
		default:
			return "N/A"
		}
	})
}

// Render processes a template with the given context, caching the
// parsed form under cacheKey when one is provided.
func (ts *TemplateService) Render(cacheKey, templateStr string, ctx map[string]interface{}) (string, error) {
	if cacheKey != "" {
		if cached, ok := ts.cache.Load(cacheKey); ok {
			return cached.(*liquid.Template).RenderString(ctx)
		}
	}

	tpl, err := ts.engine.ParseString(templateStr)
	if err != nil {
		log.Printf("TemplateService: Parse error: %v", err)
		return templateStr, err
	}
	if cacheKey != "" {
		ts.cache.Store(cacheKey, tpl)
	}

	out, err := tpl.RenderString(ctx)
	if err != nil {
		log.Printf("TemplateService: Render error: %v", err)
		return templateStr, err
	}
	return out, nil
}

// Parse compiles a template string and returns any syntax error.
func (ts *TemplateService) Parse(templateStr string) error {
	_, err := ts.engine.ParseString(templateStr)
	return err
}

// ClearCache drops all cached templates.
func (ts *TemplateService) ClearCache() {
	ts.cache = sync.Map{}
}

// Renderer turns an advisory into the outgoing HTML email.
type Renderer struct {
	ts         *TemplateService
	baseURL    string
	footerName string
}

// NewRenderer creates a Renderer. baseURL is the public dashboard
// origin used for the "view full report" link.
func NewRenderer(ts *TemplateService, baseURL string) *Renderer {
	return &Renderer{
		ts:         ts,
		baseURL:    strings.TrimRight(baseURL, "/"),
		footerName: "IntelDesk Threat Intelligence Platform",
	}
}

// RenderEmail produces the full HTML body for one advisory, with an
// optional analyst message shown at the top.
func (r *Renderer) RenderEmail(a *Advisory, customMessage string) (string, error) {
	ctx, err := templateContext(a)
	if err != nil {
		return "", err
	}
	ctx["custom_message"] = customMessage
	ctx["report_url"] = fmt.Sprintf("%s/advisory/%s", r.baseURL, url.PathEscape(a.ID))
	ctx["footer_name"] = r.footerName

	out, err := r.ts.Render("advisory-email", emailTemplate, ctx)
	if err != nil {
		return "", fmt.Errorf("rendering advisory email: %w", err)
	}
	return out, nil
}

// templateContext flattens an advisory into the map the Liquid engine
// consumes, using the struct's JSON field names.
func templateContext(a *Advisory) (map[string]interface{}, error) {
	raw, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	var ctx map[string]interface{}
	if err := json.Unmarshal(raw, &ctx); err != nil {
		return nil, err
	}
	return ctx, nil
}

// emailTemplate is the advisory email layout. Inline CSS only: email
// clients strip <style> blocks inconsistently, and the tracked-link
// rewriter expects plain absolute hrefs.
const emailTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>{{ title | escape }}</title>
</head>
<body style="margin:0;padding:0;font-family:Arial,Helvetica,sans-serif;background-color:#16213e;color:#e2e8f0;">
<div style="max-width:800px;margin:0 auto;padding:20px;">
  <div style="background:linear-gradient(135deg,#6366f1,#8b5cf6);padding:30px;text-align:center;border-radius:12px 12px 0 0;">
    <h1 style="margin:0 0 10px 0;font-size:26px;color:#ffffff;">CYBER THREAT ADVISORY</h1>
    <h2 style="margin:0;font-size:18px;color:rgba(255,255,255,0.95);">{{ title | escape }}</h2>
  </div>
  <div style="background-color:#0f172a;padding:30px;border-radius:0 0 12px 12px;">
    {% if severity %}
    <span style="display:inline-block;padding:8px 16px;border-radius:20px;font-size:13px;font-weight:bold;text-transform:uppercase;color:#ffffff;background-color:{{ severity | severity_color }};">{{ severity | upcase }}</span>
    {% endif %}
    {% if tlp %}
    <span style="display:inline-block;padding:8px 16px;border-radius:20px;font-size:13px;font-weight:bold;text-transform:uppercase;color:#ffffff;background-color:#475569;">TLP: {{ tlp | upcase }}</span>
    {% endif %}

    {% if custom_message and custom_message != "" %}
    <div style="background-color:#064e3b;border:1px solid #10b981;border-radius:8px;padding:15px;margin:20px 0;">
      <h3 style="margin:0 0 10px 0;font-size:16px;color:#ffffff;">Message from Security Team</h3>
      <p style="margin:0;color:#ecfdf5;line-height:1.5;">{{ custom_message | escape | nl2br }}</p>
    </div>
    {% endif %}

    {% if executiveSummary and executiveSummary != "" %}
    <div style="background-color:#1e293b;border-radius:10px;padding:20px;margin:20px 0;">
      <div style="font-size:20px;font-weight:bold;color:#60a5fa;margin-bottom:15px;">Executive Summary</div>
      <p style="margin:0;font-size:15px;line-height:1.6;">{{ executiveSummary | escape }}</p>
    </div>
    {% endif %}

    <div style="background-color:#1e293b;border-radius:10px;padding:20px;margin:20px 0;">
      <div style="font-size:20px;font-weight:bold;color:#60a5fa;margin-bottom:15px;">Threat Parameters</div>
      {% if category %}<p style="margin:5px 0;"><strong>Category:</strong> {{ category | escape }}</p>{% endif %}
      {% if publishedAt %}<p style="margin:5px 0;"><strong>Published:</strong> {{ publishedAt | long_date }}</p>{% endif %}
      {% if author %}<p style="margin:5px 0;"><strong>Analyst:</strong> {{ author | escape }}</p>{% endif %}
      {% if cvss %}<p style="margin:5px 0;"><strong>CVSS Score:</strong> {{ cvss | escape }}</p>{% endif %}
    </div>

    {% if cveIds %}
    <div style="background-color:#1e293b;border-radius:10px;padding:20px;margin:20px 0;">
      <div style="font-size:20px;font-weight:bold;color:#60a5fa;margin-bottom:15px;">Affected Systems</div>
      <div style="font-size:16px;font-weight:600;color:#ffffff;margin:10px 0;">CVE IDs</div>
      <div>{% for cve in cveIds %}<span style="display:inline-block;background-color:#d97706;color:#ffffff;padding:4px 10px;border-radius:6px;font-size:12px;margin:3px;">{{ cve | escape }}</span>{% endfor %}</div>
      {% if targetSectors %}
      <div style="font-size:16px;font-weight:600;color:#ffffff;margin:10px 0;">Target Sectors</div>
      <div>{% for sector in targetSectors %}<span style="display:inline-block;background-color:#2563eb;color:#ffffff;padding:4px 10px;border-radius:6px;font-size:12px;margin:3px;">{{ sector | escape }}</span>{% endfor %}</div>
      {% endif %}
      {% if affectedProducts %}
      <div style="font-size:16px;font-weight:600;color:#ffffff;margin:10px 0;">Affected Products</div>
      <div>{% for product in affectedProducts %}<span style="display:inline-block;background-color:#6d28d9;color:#ffffff;padding:4px 10px;border-radius:6px;font-size:12px;margin:3px;">{{ product | escape }}</span>{% endfor %}</div>
      {% endif %}
    </div>
    {% endif %}

    {% if mitreTactics %}
    <div style="background-color:#1e293b;border-radius:10px;padding:20px;margin:20px 0;">
      <div style="font-size:20px;font-weight:bold;color:#60a5fa;margin-bottom:15px;">MITRE ATT&amp;CK Framework</div>
      <table style="width:100%;border-collapse:collapse;">
        <tr>
          <th style="background-color:#374151;padding:10px;border:1px solid #4b5563;font-size:12px;color:#ffffff;text-transform:uppercase;text-align:left;">Tactic</th>
          <th style="background-color:#374151;padding:10px;border:1px solid #4b5563;font-size:12px;color:#ffffff;text-transform:uppercase;text-align:left;">ID</th>
          <th style="background-color:#374151;padding:10px;border:1px solid #4b5563;font-size:12px;color:#ffffff;text-transform:uppercase;text-align:left;">Technique</th>
        </tr>
        {% for tactic in mitreTactics %}
        <tr>
          <td style="padding:10px;border:1px solid #4b5563;font-size:13px;font-weight:600;">{{ tactic.name | escape }}</td>
          <td style="padding:10px;border:1px solid #4b5563;font-size:13px;color:#fbbf24;font-family:monospace;">{{ tactic.id | default: "N/A" }}</td>
          <td style="padding:10px;border:1px solid #4b5563;font-size:13px;">{{ tactic.technique | escape }}</td>
        </tr>
        {% endfor %}
      </table>
    </div>
    {% endif %}

    {% if iocs %}
    <div style="background-color:#1e293b;border-radius:10px;padding:20px;margin:20px 0;">
      <div style="font-size:20px;font-weight:bold;color:#60a5fa;margin-bottom:15px;">Indicators of Compromise</div>
      <table style="width:100%;border-collapse:collapse;">
        <tr>
          <th style="background-color:#374151;padding:10px;border:1px solid #4b5563;font-size:12px;color:#ffffff;text-transform:uppercase;text-align:left;">Type</th>
          <th style="background-color:#374151;padding:10px;border:1px solid #4b5563;font-size:12px;color:#ffffff;text-transform:uppercase;text-align:left;">Value</th>
          <th style="background-color:#374151;padding:10px;border:1px solid #4b5563;font-size:12px;color:#ffffff;text-transform:uppercase;text-align:left;">Description</th>
        </tr>
        {% for ioc in iocs %}
        <tr>
          <td style="padding:10px;border:1px solid #4b5563;font-size:13px;">{{ ioc.type | escape }}</td>
          <td style="padding:10px;border:1px solid #4b5563;font-size:13px;font-family:monospace;word-break:break-all;">{{ ioc.value | escape }}</td>
          <td style="padding:10px;border:1px solid #4b5563;font-size:13px;">{{ ioc.description | default: "N/A" }}</td>
        </tr>
        {% endfor %}
      </table>
    </div>
    {% endif %}

    {% if recommendations %}
    <div style="background-color:#1e293b;border-radius:10px;padding:20px;margin:20px 0;">
      <div style="font-size:20px;font-weight:bold;color:#60a5fa;margin-bottom:15px;">Security Recommendations</div>
      {% for rec in recommendations %}
      <div style="background-color:#1d4ed8;border-radius:8px;padding:12px;margin-bottom:10px;color:#ffffff;font-size:14px;"><strong>{{ forloop.index }}.</strong> {{ rec | escape }}</div>
      {% endfor %}
    </div>
    {% endif %}

    {% if patchDetails and patchDetails != "" %}
    <div style="background-color:#1e293b;border-radius:10px;padding:20px;margin:20px 0;">
      <div style="font-size:20px;font-weight:bold;color:#60a5fa;margin-bottom:15px;">Patch Details</div>
      <p style="margin:0;line-height:1.6;white-space:pre-wrap;">{{ patchDetails | escape }}</p>
    </div>
    {% endif %}

    {% if references %}
    <div style="background-color:#1e293b;border-radius:10px;padding:20px;margin:20px 0;">
      <div style="font-size:20px;font-weight:bold;color:#60a5fa;margin-bottom:15px;">External References</div>
      <ul style="margin:0;padding-left:20px;">
        {% for ref in references %}
        <li style="margin-bottom:8px;"><a href="{{ ref }}" style="color:#06b6d4;word-break:break-all;" target="_blank">{{ ref | escape }}</a></li>
        {% endfor %}
      </ul>
    </div>
    {% endif %}

    <div style="text-align:center;padding:20px 0;">
      <a href="{{ report_url }}" style="display:inline-block;background-color:#1e40af;color:#fbbf24;padding:12px 30px;border-radius:8px;text-decoration:none;font-weight:600;" target="_blank">View Full Report</a>
    </div>

    <div style="text-align:center;padding:20px;color:#94a3b8;font-size:12px;">
      <p style="margin:0 0 5px 0;font-size:14px;color:#60a5fa;">{{ footer_name }}</p>
      <p style="margin:10px 0 0 0;font-style:italic;">This is an automated security advisory. Please do not reply to this email.</p>
    </div>
  </div>
</div>
</body>
</html>`
