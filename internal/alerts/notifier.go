package alerts

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	tele "gopkg.in/telebot.v3"

	"github.com/mtemizkann/borsa-telegram-bot/internal/net/circuit"
	"github.com/mtemizkann/borsa-telegram-bot/internal/net/ratelimit"
	"github.com/mtemizkann/borsa-telegram-bot/internal/score/composite"
)

// ErrDeliveryFailed wraps every notification transport failure
var ErrDeliveryFailed = errors.New("alert delivery failed")

// Kind distinguishes alert payloads
type Kind string

const (
	KindSignal  Kind = "signal"
	KindBand    Kind = "band"
	KindStartup Kind = "startup"
)

// Alert is the payload handed to a notification channel
type Alert struct {
	Kind       Kind            `json:"kind"`
	Symbol     string          `json:"symbol"`
	Label      composite.Label `json:"label"`
	Price      float64         `json:"price"`
	Entry      float64         `json:"entry"`
	Stop       float64         `json:"stop"`
	Target1    float64         `json:"target1"`
	Target2    float64         `json:"target2"`
	Lot        int             `json:"lot"`
	Risk       float64         `json:"risk"`
	Confidence float64         `json:"confidence"`
	K1         float64         `json:"k1"`
	K2         float64         `json:"k2"`
	Preset     string          `json:"preset"`
	Breach     string          `json:"breach,omitempty"`
	BandLow    float64         `json:"band_low,omitempty"`
	BandHigh   float64         `json:"band_high,omitempty"`
	Time       time.Time       `json:"time"`
}

// AlertFromVerdict builds the payload of an emitted verdict
func AlertFromVerdict(v Verdict) Alert {
	d := v.Decision
	low, high := v.Band()
	if v.Kind == KindBand {
		low, high = v.Crossed()
	}
	return Alert{
		Kind:       v.Kind,
		Symbol:     v.Symbol,
		Label:      d.Label,
		Price:      v.Price,
		Entry:      d.Entry,
		Stop:       d.Stop,
		Target1:    d.Target1,
		Target2:    d.Target2,
		Lot:        d.Lot,
		Risk:       d.Risk,
		Confidence: d.Confidence,
		K1:         d.K1,
		K2:         d.K2,
		Preset:     d.Preset.Name,
		Breach:     v.Breach,
		BandLow:    low,
		BandHigh:   high,
		Time:       v.Now,
	}
}

// StartupAlert is sent once when the engine starts
func StartupAlert(symbols []string, at time.Time) Alert {
	return Alert{Kind: KindStartup, Symbol: strings.Join(symbols, ","), Time: at}
}

var localLabels = map[composite.Label]string{
	composite.LabelBuy:  "AL",
	composite.LabelSell: "SAT",
	composite.LabelHold: "BEKLE",
}

// Format renders an alert as a chat message
func Format(a Alert) string {
	switch a.Kind {
	case KindStartup:
		return fmt.Sprintf("✅ BIST alarm motoru başladı.\nİzlenen: %s", a.Symbol)
	case KindBand:
		if a.Breach == BreachBelow {
			return fmt.Sprintf("🔻 %s %.2f <= ALT %.2f (ALIM alarmı)", a.Symbol, a.Price, a.BandLow)
		}
		return fmt.Sprintf("🔺 %s %.2f >= ÜST %.2f (SATIM alarmı)", a.Symbol, a.Price, a.BandHigh)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "📌 %s %s Sinyali\n", a.Symbol, localLabels[a.Label])
	fmt.Fprintf(&sb, "Fiyat: %.2f\n", a.Entry)
	fmt.Fprintf(&sb, "Stop: %.2f\n", a.Stop)
	fmt.Fprintf(&sb, "Hedef 1: %.2f\n", a.Target1)
	fmt.Fprintf(&sb, "Hedef 2: %.2f\n", a.Target2)
	if a.Lot > 0 {
		fmt.Fprintf(&sb, "Lot: %d (risk %.2f TL)\n", a.Lot, a.Risk)
		fmt.Fprintf(&sb, "Kademeli alım: K1 %.2f / K2 %.2f\n", a.K1, a.K2)
	}
	fmt.Fprintf(&sb, "Güven: %.0f%% | Preset: %s", a.Confidence, a.Preset)
	return sb.String()
}

// Notifier delivers alerts to a channel
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// LogNotifier writes alerts to the log only. Used when chat credentials are missing.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, a Alert) error {
	log.Info().Str("kind", string(a.Kind)).Str("symbol", a.Symbol).Str("text", Format(a)).Msg("Alert (log only)")
	return nil
}

// sender is the subset of *tele.Bot used for delivery
type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// TelegramNotifier posts alerts to a Telegram chat
type TelegramNotifier struct {
	bot  sender
	chat tele.ChatID
}

// NewTelegramNotifier creates an offline bot client; it never polls for updates
func NewTelegramNotifier(token string, chatID int64, timeout time.Duration) (*TelegramNotifier, error) {
	bot, err := tele.NewBot(tele.Settings{
		Token:   token,
		Offline: true,
		Client:  &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	return &TelegramNotifier{bot: bot, chat: tele.ChatID(chatID)}, nil
}

func (n *TelegramNotifier) Notify(ctx context.Context, a Alert) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	if _, err := n.bot.Send(n.chat, Format(a)); err != nil {
		return fmt.Errorf("%w: telegram: %v", ErrDeliveryFailed, err)
	}
	return nil
}

// GuardedNotifier throttles and circuit-breaks another notifier
type GuardedNotifier struct {
	next    Notifier
	breaker *circuit.Breaker
	limiter *ratelimit.Limiter
	key     string
}

// NewGuardedNotifier wraps next with a breaker and a rate limiter keyed by key
func NewGuardedNotifier(next Notifier, breaker *circuit.Breaker, limiter *ratelimit.Limiter, key string) *GuardedNotifier {
	return &GuardedNotifier{next: next, breaker: breaker, limiter: limiter, key: key}
}

func (g *GuardedNotifier) Notify(ctx context.Context, a Alert) error {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx, g.key); err != nil {
			return fmt.Errorf("%w: rate limit: %v", ErrDeliveryFailed, err)
		}
	}
	err := g.breaker.Call(ctx, func(ctx context.Context) error {
		return g.next.Notify(ctx, a)
	})
	if err != nil && !errors.Is(err, ErrDeliveryFailed) {
		return fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}
	return err
}
