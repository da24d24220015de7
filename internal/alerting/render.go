package alerting

import (
	"errors"
	"fmt"
	"html"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"pricewatch/internal/domain"
)

// Button is an inline call-to-action attached to a message.
type Button struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

// Message is a rendered, channel-ready payload. Text uses HTML markup.
type Message struct {
	Text     string
	Buttons  []Button
	ImageURL string
}

// AlertData is the channel-neutral content handed to the email provider.
type AlertData struct {
	SKU             string    `json:"sku"`
	Title           string    `json:"title"`
	Kind            string    `json:"kind"`
	OldPrice        string    `json:"old_price,omitempty"`
	NewPrice        string    `json:"new_price"`
	Currency        string    `json:"currency"`
	Delta           string    `json:"delta,omitempty"`
	DeltaPct        string    `json:"delta_pct,omitempty"`
	Availability    string    `json:"availability,omitempty"`
	IsHistoricalLow bool      `json:"is_historical_low"`
	Is30DayMin      bool      `json:"is_30_day_min"`
	Annotation      string    `json:"annotation,omitempty"`
	Link            string    `json:"link"`
	ImageURL        string    `json:"image_url,omitempty"`
	DetectedAt      time.Time `json:"detected_at"`
}

// LinkBuilder decorates product links with the affiliate tag.
type LinkBuilder struct {
	BaseURL      string
	AffiliateTag string
}

// ProductURL returns the call-to-action link for sku.
func (l LinkBuilder) ProductURL(sku string) string {
	base := l.BaseURL
	if base == "" {
		base = "https://www.amazon.de/dp/"
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	link := base + url.PathEscape(sku)
	if l.AffiliateTag == "" {
		return link
	}
	u, err := url.Parse(link)
	if err != nil {
		return link
	}
	q := u.Query()
	q.Set("tag", l.AffiliateTag)
	u.RawQuery = q.Encode()
	return u.String()
}

// Renderer turns change events into channel payloads.
type Renderer struct {
	links LinkBuilder
}

// NewRenderer builds a Renderer.
func NewRenderer(links LinkBuilder) *Renderer {
	return &Renderer{links: links}
}

var errInvalidKind = errors.New("unhandled change kind")

// Render builds the direct/broadcast message for ev.
func (r *Renderer) Render(ev domain.ChangeEvent, channel string) (Message, error) {
	link := r.links.ProductURL(ev.SKU)
	b := strings.Builder{}

	switch ev.Kind {
	case domain.ChangePriceDrop, domain.ChangePriceIncrease:
		if ev.Kind == domain.ChangePriceDrop {
			b.WriteString("<b>[Price drop]</b>\n")
		} else {
			b.WriteString("<b>[Price increase]</b>\n")
		}
		b.WriteString(fmt.Sprintf("<b>%s</b>\n", html.EscapeString(displayTitle(ev))))
		b.WriteString(fmt.Sprintf("Was: %s\n", formatMoney(ev.OldPrice, ev.Currency)))
		b.WriteString(fmt.Sprintf("Now: <b>%s</b>\n", formatMoney(ev.NewPrice, ev.Currency)))
		b.WriteString(fmt.Sprintf("Change: %s (%s%%)\n", formatSigned(ev.Delta(), ev.Currency), signed(ev.DeltaPct())))
		if ev.IsHistoricalLow {
			b.WriteString("All-time low\n")
		} else if ev.Is30DayMin {
			b.WriteString("Lowest price in 30 days\n")
		}
	case domain.ChangeAvailability:
		b.WriteString("<b>[Availability update]</b>\n")
		b.WriteString(fmt.Sprintf("<b>%s</b>\n", html.EscapeString(displayTitle(ev))))
		b.WriteString(fmt.Sprintf("Status: %s\n", html.EscapeString(availabilityText(ev))))
	case domain.ChangeNone:
		b.WriteString(fmt.Sprintf("<b>%s</b>\n", html.EscapeString(displayTitle(ev))))
		if ev.NewPrice.IsPositive() {
			b.WriteString(fmt.Sprintf("Price: %s\n", formatMoney(ev.NewPrice, ev.Currency)))
		}
		b.WriteString(fmt.Sprintf("Status: %s\n", html.EscapeString(availabilityText(ev))))
		return Message{Text: b.String(), Buttons: []Button{{Text: "View offer", URL: link}}}, nil
	default:
		return Message{}, &domain.RenderError{Kind: ev.Kind, Channel: channel, Err: errInvalidKind}
	}

	if ev.Annotation != "" {
		b.WriteString(fmt.Sprintf("<i>%s</i>\n", html.EscapeString(ev.Annotation)))
	}
	b.WriteString(fmt.Sprintf("\n<a href=\"%s\">View offer</a>", html.EscapeString(link)))

	return Message{
		Text:     b.String(),
		Buttons:  []Button{{Text: "View offer", URL: link}},
		ImageURL: ev.ImageURL,
	}, nil
}

// RenderAlertData builds the structured payload for the email provider.
func (r *Renderer) RenderAlertData(ev domain.ChangeEvent) (AlertData, error) {
	data := AlertData{
		SKU:          ev.SKU,
		Title:        displayTitle(ev),
		Kind:         ev.Kind.String(),
		NewPrice:     ev.NewPrice.StringFixed(2),
		Currency:     ev.Currency,
		Availability: ev.Availability,
		Annotation:   ev.Annotation,
		Link:         r.links.ProductURL(ev.SKU),
		ImageURL:     ev.ImageURL,
		DetectedAt:   ev.DetectedAt,
	}
	switch ev.Kind {
	case domain.ChangePriceDrop, domain.ChangePriceIncrease:
		data.OldPrice = ev.OldPrice.StringFixed(2)
		data.Delta = ev.Delta().StringFixed(2)
		data.DeltaPct = ev.DeltaPct().StringFixed(2)
		data.IsHistoricalLow = ev.IsHistoricalLow
		data.Is30DayMin = ev.Is30DayMin
	case domain.ChangeAvailability, domain.ChangeNone:
	default:
		return AlertData{}, &domain.RenderError{Kind: ev.Kind, Channel: ChannelEmail, Err: errInvalidKind}
	}
	return data, nil
}

// RenderTrackingStopped tells an owner their SKU can no longer be polled.
func (r *Renderer) RenderTrackingStopped(sku string) Message {
	text := fmt.Sprintf("<b>[Tracking stopped]</b>\nThe product %s is no longer available from the marketplace and has been removed from your active list.",
		html.EscapeString(sku))
	return Message{Text: text}
}

func displayTitle(ev domain.ChangeEvent) string {
	if ev.Title != "" {
		return ev.Title
	}
	return ev.SKU
}

func availabilityText(ev domain.ChangeEvent) string {
	if ev.Availability != "" {
		return ev.Availability
	}
	if ev.NewPrice.IsPositive() {
		return "Available"
	}
	return "Unavailable"
}

func formatMoney(d decimal.Decimal, currency string) string {
	return strings.TrimSpace(d.StringFixed(2) + " " + currency)
}

func formatSigned(d decimal.Decimal, currency string) string {
	return strings.TrimSpace(signed(d) + " " + currency)
}

func signed(d decimal.Decimal) string {
	if d.IsPositive() {
		return "+" + d.StringFixed(2)
	}
	return d.StringFixed(2)
}
