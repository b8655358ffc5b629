package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/digkill/GrammarBot/internal/config"
	"github.com/digkill/GrammarBot/internal/models"
	"github.com/digkill/GrammarBot/internal/service"
	"github.com/digkill/GrammarBot/pkg/clock"
)

// Callback data.
const (
	cbUpgrade    = "upgrade"
	cbBuyPrefix  = "buy:"
	cbCloseSub   = "sub_close"
	cbCloseOffer = "offer_close"
	cbReviewNo   = "review_no"
	cbReviewYes  = "review_yes"
)

type Bot struct {
	cfg      config.Config
	api      *tgbotapi.BotAPI
	log      *slog.Logger
	users    *service.UserService
	sessions *service.SessionManager
	flags    service.FlagReader
	billing  *service.BillingService
	promo    *service.PromoService
	state    *StateManager
	clock    clock.Clock
	wg       sync.WaitGroup
}

func NewBot(cfg config.Config, api *tgbotapi.BotAPI, log *slog.Logger, users *service.UserService, sessions *service.SessionManager, flags service.FlagReader, billing *service.BillingService, promo *service.PromoService, clk clock.Clock) *Bot {
	return &Bot{
		cfg:      cfg,
		api:      api,
		log:      log,
		users:    users,
		sessions: sessions,
		flags:    flags,
		billing:  billing,
		promo:    promo,
		state:    NewStateManager(),
		clock:    clk,
	}
}

func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)
	b.log.Info("telegram bot started")

	for {
		select {
		case update := <-updates:
			if update.Message != nil {
				b.handleMessage(ctx, update.Message)
			} else if update.CallbackQuery != nil {
				b.handleCallback(ctx, update.CallbackQuery)
			} else if update.PreCheckoutQuery != nil {
				if err := b.billing.HandlePreCheckout(b.api, update.PreCheckoutQuery); err != nil {
					b.log.Error("pre-checkout failed", "err", err)
				}
			}
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			b.wg.Wait()
			return ctx.Err()
		}
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.SuccessfulPayment != nil {
		b.handleSuccessfulPayment(ctx, msg)
		return
	}

	if msg.IsCommand() {
		b.handleCommand(ctx, msg)
		return
	}

	if msg.Text == "" {
		return
	}
	b.handleCorrection(ctx, msg)
}

func (b *Bot) handleSuccessfulPayment(ctx context.Context, msg *tgbotapi.Message) {
	user, sess, err := b.session(ctx, msg.From, msg.Chat.ID)
	if err != nil {
		b.log.Error("ensure user payment", "err", err)
		return
	}
	product, err := b.billing.HandleSuccessfulPayment(ctx, user.ID, msg.SuccessfulPayment)
	if err != nil {
		b.log.Error("process successful payment", "err", err)
		sess.Events.LogEvent(ctx, service.EventPurchaseFail)
		b.sendText(msg.Chat.ID, "The payment went through but premium could not be enabled yet. Try /restore in a minute.")
		return
	}
	if product == nil {
		return
	}
	sess.CompletePurchase(ctx, product.VendorProductID)
	b.state.ShowScreen(msg.Chat.ID, models.ScreenHome, b.clock.Now(), time.Time{})
	b.sendText(msg.Chat.ID, "Payment received. Premium is active: unlimited checks!")
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	switch msg.Command() {
	case "start":
		user, sess, err := b.session(ctx, msg.From, msg.Chat.ID)
		if err != nil {
			b.log.Error("ensure user", "err", err)
			return
		}
		b.state.ShowScreen(msg.Chat.ID, models.ScreenHome, b.clock.Now(), time.Time{})
		greeting := "Welcome back"
		if sess.FirstLaunch {
			greeting = "Hi"
		}
		text := fmt.Sprintf(
			"%s, %s!\n\nSend me any text and I will return it with grammar and spelling fixed.\n\n%s\n\nCommands:\n/status: your plan and free checks left\n/upgrade: get premium\n/restore: restore purchases\n/promo <code>: redeem a promo code\n/clear: cancel the current check",
			greeting, user.FirstName, b.statusLine(ctx, sess),
		)
		b.sendHome(msg.Chat.ID, text, sess)
	case "status":
		_, sess, err := b.session(ctx, msg.From, msg.Chat.ID)
		if err != nil {
			b.log.Error("ensure user status", "err", err)
			return
		}
		b.sendHome(msg.Chat.ID, b.statusLine(ctx, sess), sess)
	case "upgrade":
		_, sess, err := b.session(ctx, msg.From, msg.Chat.ID)
		if err != nil {
			b.log.Error("ensure user upgrade", "err", err)
			return
		}
		sess.Events.LogEvent(ctx, service.EventHomeUpgrade)
		b.showUpsell(ctx, msg.Chat.ID, sess)
	case "restore":
		b.handleRestore(ctx, msg)
	case "promo":
		b.handlePromo(ctx, msg)
	case "clear":
		_, sess, err := b.session(ctx, msg.From, msg.Chat.ID)
		if err != nil {
			b.log.Error("ensure user clear", "err", err)
			return
		}
		sess.Events.LogEvent(ctx, service.EventHomeClear)
		if b.state.CancelCorrection(msg.Chat.ID) {
			b.sendText(msg.Chat.ID, "Cancelled.")
		} else {
			b.sendText(msg.Chat.ID, "Nothing to cancel.")
		}
	default:
		b.sendText(msg.Chat.ID, "Unknown command. Send any text to check it, or use /status.")
	}
}

func (b *Bot) statusLine(ctx context.Context, sess *service.Session) string {
	status := sess.Status(ctx)
	if status.Premium {
		return "Plan: premium, unlimited checks."
	}
	return fmt.Sprintf("Plan: free, %d of %d checks left today.", status.TriesLeft, status.DailyFreeTries)
}

func (b *Bot) handleCorrection(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	_, sess, err := b.session(ctx, msg.From, chatID)
	if err != nil {
		b.log.Error("ensure user correction", "err", err)
		return
	}

	callCtx, done, ok := b.state.BeginCorrection(ctx, chatID)
	if !ok {
		b.sendText(chatID, "Still checking your previous text. Use /clear to cancel it.")
		return
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.runCorrection(ctx, callCtx, done, chatID, sess, msg.Text)
	}()
}

func (b *Bot) runCorrection(ctx, callCtx context.Context, done func(), chatID int64, sess *service.Session, text string) {
	if _, err := b.api.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
		b.log.Debug("chat action", "err", err)
	}

	result, err := sess.Correction.AttemptCorrection(callCtx, text)
	b.state.EndCorrection(chatID)

	switch {
	case errors.Is(err, service.ErrGateDenied):
		done()
		b.sendText(chatID, "You have used all free checks for today.")
		b.showUpsell(ctx, chatID, sess)
	case err != nil:
		cancelled := callCtx.Err() != nil && ctx.Err() == nil && !errors.Is(callCtx.Err(), context.DeadlineExceeded)
		done()
		if cancelled {
			return
		}
		b.sendText(chatID, "Could not check the text right now. Send it again to retry.")
	case result == nil:
		done()
	default:
		reply := result.Corrected
		if !result.Premium {
			reply += fmt.Sprintf("\n\nFree checks left today: %d", result.TriesLeft)
		}
		b.sendText(chatID, reply)
		if result.ReviewPrompt == nil {
			done()
			return
		}
		if <-result.ReviewPrompt {
			b.sendReviewPrompt(chatID)
		}
		done()
	}
}

func (b *Bot) showUpsell(ctx context.Context, chatID int64, sess *service.Session) {
	decision, ok := sess.Upsell(ctx)
	if !ok {
		b.sendText(chatID, "You already have premium. Enjoy unlimited checks!")
		return
	}
	b.showPaywall(ctx, chatID, sess, decision)
}

func (b *Bot) showPaywall(ctx context.Context, chatID int64, sess *service.Session, decision service.UpsellDecision) {
	products, err := b.paywallProducts(ctx)
	if err != nil {
		sess.Events.LogEvent(ctx, service.EventBillingUnavailable)
		b.log.Warn("paywall unavailable", "err", err)
		b.sendText(chatID, "Premium is not available right now. Please try again later.")
		return
	}

	now := b.clock.Now()
	wantOffer := decision.Screen == models.ScreenOffer
	product := pickProduct(products, wantOffer)
	if product == nil {
		sess.Events.LogEvent(ctx, service.EventPurchaseNoProduct)
		b.sendText(chatID, "Premium is not available right now. Please try again later.")
		return
	}

	var (
		text     string
		keyboard tgbotapi.InlineKeyboardMarkup
		deadline time.Time
	)
	buy := tgbotapi.NewInlineKeyboardButtonData("Buy "+service.FormatPrice(product.PriceMinorUnits, product.Currency), cbBuyPrefix+product.VendorProductID)
	if wantOffer {
		deadline = decision.Deadline(now)
		text = fmt.Sprintf("Limited offer: %s for %s.\nOffer ends in %s.",
			product.Title, service.FormatPrice(product.PriceMinorUnits, product.Currency), formatCountdown(decision.CountdownSeconds))
		keyboard = tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(buy),
			tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("No thanks", cbCloseOffer)),
		)
	} else {
		text = fmt.Sprintf("%s\n%s\nPrice: %s", product.Title, product.Description, service.FormatPrice(product.PriceMinorUnits, product.Currency))
		keyboard = tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(buy),
			tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("Close", cbCloseSub)),
		)
	}

	b.state.ShowScreen(chatID, decision.Screen, now, deadline)
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyMarkup = keyboard
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send paywall", "err", err)
	}
}

func (b *Bot) paywallProducts(ctx context.Context) ([]models.Product, error) {
	paywall, err := b.billing.GetPaywall(ctx, b.cfg.PaywallPlacement, b.cfg.PaywallLocale)
	if err != nil {
		return nil, err
	}
	return b.billing.GetPaywallProducts(ctx, paywall)
}

func pickProduct(products []models.Product, offer bool) *models.Product {
	for i := range products {
		if products[i].IsOffer == offer {
			return &products[i]
		}
	}
	return nil
}

// formatCountdown renders seconds as mm:ss.
func formatCountdown(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}

func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	if cb.Message == nil {
		b.ack(cb, "")
		return
	}
	chatID := cb.Message.Chat.ID
	_, sess, err := b.session(ctx, cb.From, chatID)
	if err != nil {
		b.log.Error("ensure user callback", "err", err)
		b.ack(cb, "")
		return
	}

	switch {
	case cb.Data == cbUpgrade:
		b.ack(cb, "")
		sess.Events.LogEvent(ctx, service.EventHomeUpgrade)
		b.showUpsell(ctx, chatID, sess)
	case strings.HasPrefix(cb.Data, cbBuyPrefix):
		b.ack(cb, "")
		b.handlePurchase(ctx, chatID, sess, strings.TrimPrefix(cb.Data, cbBuyPrefix))
	case cb.Data == cbCloseSub:
		if wait := b.state.CloseWait(chatID, b.flags.Flags().CloseDuration, b.clock.Now()); wait > 0 {
			b.ack(cb, fmt.Sprintf("You can close this in %d s", int((wait+time.Second-1)/time.Second)))
			return
		}
		b.ack(cb, "")
		b.state.ShowScreen(chatID, models.ScreenHome, b.clock.Now(), time.Time{})
		if decision, ok := sess.DismissSubscription(ctx); ok {
			b.showPaywall(ctx, chatID, sess, decision)
			return
		}
		b.sendHome(chatID, "Send any text to check it.", sess)
	case cb.Data == cbCloseOffer:
		b.ack(cb, "")
		b.state.ShowScreen(chatID, models.ScreenHome, b.clock.Now(), time.Time{})
		b.sendHome(chatID, "Send any text to check it.", sess)
	case cb.Data == cbReviewNo:
		b.ack(cb, "Thanks for the feedback!")
		sess.Review.Respond(ctx, false, false)
	case cb.Data == cbReviewYes:
		b.ack(cb, "")
		// Telegram has no in-app review sheet.
		if url := sess.Review.Respond(ctx, true, false); url != "" {
			msg := tgbotapi.NewMessage(chatID, "Thank you! A quick review helps a lot.")
			msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
				tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonURL("Leave a review", url)),
			)
			if _, err := b.api.Send(msg); err != nil {
				b.log.Error("send review link", "err", err)
			}
		}
	default:
		b.ack(cb, "Unknown action")
	}
}

func (b *Bot) handlePurchase(ctx context.Context, chatID int64, sess *service.Session, vendorID string) {
	deadline := b.state.Get(chatID).OfferDeadline
	err := sess.Purchase(ctx, b.api, chatID, vendorID, deadline)
	switch {
	case errors.Is(err, service.ErrPurchasePending):
	case errors.Is(err, service.ErrOfferExpired):
		b.sendText(chatID, "This offer has expired.")
		b.showUpsell(ctx, chatID, sess)
	case errors.Is(err, service.ErrBillingUnavailable):
		b.sendText(chatID, "Payments are not available right now. Please try again later.")
	case errors.Is(err, service.ErrProductNotFound):
		b.sendText(chatID, "This plan is no longer available.")
	default:
		b.sendText(chatID, "Could not start the payment. Please try again later.")
	}
}

func (b *Bot) handleRestore(ctx context.Context, msg *tgbotapi.Message) {
	_, sess, err := b.session(ctx, msg.From, msg.Chat.ID)
	if err != nil {
		b.log.Error("ensure user restore", "err", err)
		return
	}
	premium, err := sess.Restore(ctx)
	switch {
	case err != nil:
		b.log.Warn("restore purchases", "err", err)
		b.sendText(msg.Chat.ID, "Could not restore purchases right now. Please try again later.")
	case premium:
		b.sendText(msg.Chat.ID, "Purchases restored. Premium is active.")
	default:
		b.sendText(msg.Chat.ID, "No active purchases found.")
	}
}

func (b *Bot) handlePromo(ctx context.Context, msg *tgbotapi.Message) {
	user, sess, err := b.session(ctx, msg.From, msg.Chat.ID)
	if err != nil {
		b.log.Error("ensure user promo", "err", err)
		return
	}
	code := strings.TrimSpace(msg.CommandArguments())
	if code == "" {
		b.sendText(msg.Chat.ID, "Usage: /promo CODE")
		return
	}
	if err := b.promo.Apply(ctx, user.ID, code); err != nil {
		switch {
		case errors.Is(err, service.ErrPromoInvalid):
			b.sendText(msg.Chat.ID, "This promo code is not valid.")
		case errors.Is(err, service.ErrPromoAlreadyRedeemed):
			b.sendText(msg.Chat.ID, "You have already used this promo code.")
		case errors.Is(err, service.ErrPromoExhausted):
			b.sendText(msg.Chat.ID, "This promo code has run out.")
		default:
			b.log.Error("apply promo", "err", err)
			b.sendText(msg.Chat.ID, "Could not apply the promo code, please try again later.")
		}
		return
	}
	sess.Events.LogEvent(ctx, service.EventPromoRedeemed)
	b.sendText(msg.Chat.ID, fmt.Sprintf("Promo code applied! Premium for %d days.", b.cfg.PromoPremiumDays))
}

func (b *Bot) sendReviewPrompt(chatID int64) {
	msg := tgbotapi.NewMessage(chatID, "Enjoying the grammar checks?")
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Not really", cbReviewNo),
			tgbotapi.NewInlineKeyboardButtonData("Yes, I love it!", cbReviewYes),
		),
	)
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send review prompt", "err", err)
	}
}

// sendHome sends text with an upgrade button for non-premium chats.
func (b *Bot) sendHome(chatID int64, text string, sess *service.Session) {
	msg := tgbotapi.NewMessage(chatID, text)
	if !sess.Entitlement.IsPremiumUser() {
		msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("Upgrade to premium", cbUpgrade)),
		)
	}
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send home", "err", err)
	}
}

func (b *Bot) session(ctx context.Context, from *tgbotapi.User, chatID int64) (*models.User, *service.Session, error) {
	user, err := b.ensureUser(ctx, from, chatID)
	if err != nil {
		return nil, nil, err
	}
	return user, b.sessions.Get(ctx, user.ID), nil
}

func (b *Bot) ensureUser(ctx context.Context, from *tgbotapi.User, chatID int64) (*models.User, error) {
	username := ""
	firstName := ""
	lastName := ""
	telegramID := chatID
	if from != nil {
		username = from.UserName
		firstName = from.FirstName
		lastName = from.LastName
		telegramID = from.ID
	}
	user, _, err := b.users.Ensure(ctx, telegramID, username, firstName, lastName)
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (b *Bot) ack(cb *tgbotapi.CallbackQuery, text string) {
	if _, err := b.api.Request(tgbotapi.NewCallback(cb.ID, text)); err != nil {
		b.log.Error("callback ack", "err", err)
	}
}

func (b *Bot) sendText(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send text", "err", err)
	}
}
