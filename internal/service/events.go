package service

// Analytics event names. Purchase events are suffixed with a product short
// code by LogProductEvent.
const (
	EventAppFirstLaunch = "app_first_launch"

	EventHomeUpgrade        = "home_upgrade"
	EventHomeClear          = "home_clear_text"
	EventCheckNoPremium     = "home_rewrite_no_premium"
	EventCheckNoMoreTries   = "home_rewrite_no_more_tries"
	EventCheckPremium       = "home_rewrite_premium"
	EventCheckSuccess       = "home_rewrite_success"
	EventCheckError         = "home_rewrite_error"
	EventReviewShow         = "home_rate_after_checks"
	EventReviewNotReally    = "review_not_really"
	EventReviewAppStore     = "review_app_store"
	EventReviewInAppShown   = "review_in_app_review_shown"
	EventSubscriptionShown  = "subscription_shown"
	EventOfferShown         = "offer_shown"
	EventOfferUnsolicited   = "offer_shown_after_close"
	EventOfferExpired       = "offer_expired"
	EventOfferPurchase      = "offer_handlePurchase"
	EventSubscriptionGoBack = "go_back_premium"
	EventPurchaseStart      = "subSrn_hP_pt"
	EventPurchaseNoProduct  = "subSrn_hP_no_p"
	EventPurchaseMake       = "subS_hP_mkePrchz"
	EventPurchaseSuccess    = "subS_hP_prchzSucss"
	EventPurchaseFail       = "subS_hP_prchzFail"
	EventRestoreStart       = "subS_hndlRstr"
	EventRestoreSuccess     = "subS_hndlRstr_success"
	EventRestoreNoPurchases = "subS_hndlRstr_no_restore"
	EventRestoreFailed      = "subS_hndlRstr_failed"
	EventPromoRedeemed      = "promo_redeemed"
	EventBillingUnavailable = "billing_unavailable"
)
