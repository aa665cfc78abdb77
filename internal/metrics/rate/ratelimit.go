package rate

import (
	"net/http"
	"strconv"
	"strings"

	"fundingflow/internal/metrics"
	"fundingflow/logger"
)

const (
	KindRateLimit = "rate_limit"
	KindIPBan     = "ip_ban"

	binanceWeightHeader = "X-MBX-USED-WEIGHT-1m"
)

// ReportRateLimitExceeded counts a rate limit hit for venue and emits it to
// CloudWatch. The call is the upstream operation that was throttled.
func ReportRateLimitExceeded(log *logger.Log, venue, symbol, call string) {
	component := strings.ToLower(venue) + "_reader"
	fields := logger.Fields{
		"exchange":  strings.ToLower(venue),
		"symbol":    symbol,
		"operation": call,
	}
	l := log.WithComponent(component)
	l.LogMetric(component, "rate_limit_exceeded", int64(1), "counter", fields)
	l.WithFields(fields).Warn("rate limit exceeded")
	metrics.IncrementUpstreamLimited(strings.ToLower(venue), KindRateLimit)
}

// ReportIPBan counts an IP ban for venue and emits it to CloudWatch.
func ReportIPBan(log *logger.Log, venue, symbol, call string) {
	component := strings.ToLower(venue) + "_reader"
	fields := logger.Fields{
		"exchange":  strings.ToLower(venue),
		"symbol":    symbol,
		"operation": call,
	}
	l := log.WithComponent(component)
	l.LogMetric(component, "ip_ban", int64(1), "counter", fields)
	l.WithFields(fields).Error("ip banned")
	metrics.IncrementUpstreamLimited(strings.ToLower(venue), KindIPBan)
}

// detectLimit inspects an exchange error message for rate limit or IP ban
// wording. Each exchange phrases these differently.
func detectLimit(venue, msg string) (rateLimit bool, ipBan bool) {
	lowerMsg := strings.ToLower(msg)
	switch strings.ToLower(venue) {
	case "binance":
		rateLimit = strings.Contains(lowerMsg, "too many requests") || strings.Contains(lowerMsg, "rate limit") ||
			strings.Contains(lowerMsg, "request weight")
		ipBan = strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "ban")
	case "okx":
		rateLimit = strings.Contains(lowerMsg, "too many requests") || strings.Contains(lowerMsg, "frequency limit")
		ipBan = strings.Contains(lowerMsg, "ip") && (strings.Contains(lowerMsg, "blocked") || strings.Contains(lowerMsg, "ban"))
	case "bybit":
		ipBan = strings.Contains(lowerMsg, "ip rate limit") || (strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "ban"))
		rateLimit = !ipBan && (strings.Contains(lowerMsg, "rate limit") || strings.Contains(lowerMsg, "too many requests") || strings.Contains(lowerMsg, "too many visits"))
	default:
		rateLimit = strings.Contains(lowerMsg, "rate limit") || strings.Contains(lowerMsg, "too many requests")
		ipBan = strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "ban")
	}
	return
}

// ReportLimitFromMessage records a rate limit or IP ban when msg matches the
// venue's wording and reports whether it did.
func ReportLimitFromMessage(log *logger.Log, venue, symbol, call, msg string) bool {
	rateLimit, ipBan := detectLimit(venue, msg)
	if rateLimit {
		ReportRateLimitExceeded(log, venue, symbol, call)
	}
	if ipBan {
		ReportIPBan(log, venue, symbol, call)
	}
	return rateLimit || ipBan
}

// ReportStatus maps throttling HTTP statuses to the counters above.
// 429 is a rate limit everywhere; Binance answers 418 once the IP is banned.
func ReportStatus(log *logger.Log, venue, symbol, call string, status int) bool {
	switch {
	case status == http.StatusTooManyRequests:
		ReportRateLimitExceeded(log, venue, symbol, call)
		return true
	case status == http.StatusTeapot && strings.EqualFold(venue, "binance"):
		ReportIPBan(log, venue, symbol, call)
		return true
	}
	return false
}

// ReportBinanceWeight emits the used request weight from a Binance response.
// Missing or malformed headers are skipped.
func ReportBinanceWeight(log *logger.Log, header http.Header) (int64, bool) {
	usedStr := header.Get(binanceWeightHeader)
	if usedStr == "" {
		return 0, false
	}
	used, err := strconv.ParseInt(usedStr, 10, 64)
	if err != nil {
		return 0, false
	}

	log.WithComponent("binance_reader").LogMetric("binance_reader", "used_weight", used, "gauge", nil)
	return used, true
}
