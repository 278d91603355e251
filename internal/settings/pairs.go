package settings

// Pair is a tradable Deriv symbol
type Pair struct {
	Symbol      string `json:"symbol"`
	DisplayName string `json:"display_name"`
	Market      string `json:"market"`
}

var supportedPairs = []Pair{
	{Symbol: "frxEURUSD", DisplayName: "EUR/USD", Market: "forex"},
	{Symbol: "frxGBPUSD", DisplayName: "GBP/USD", Market: "forex"},
	{Symbol: "frxUSDJPY", DisplayName: "USD/JPY", Market: "forex"},
	{Symbol: "frxAUDUSD", DisplayName: "AUD/USD", Market: "forex"},
	{Symbol: "frxUSDCAD", DisplayName: "USD/CAD", Market: "forex"},
	{Symbol: "frxUSDCHF", DisplayName: "USD/CHF", Market: "forex"},
	{Symbol: "frxNZDUSD", DisplayName: "NZD/USD", Market: "forex"},
	{Symbol: "frxEURGBP", DisplayName: "EUR/GBP", Market: "forex"},
	{Symbol: "frxEURJPY", DisplayName: "EUR/JPY", Market: "forex"},
	{Symbol: "frxGBPJPY", DisplayName: "GBP/JPY", Market: "forex"},
	{Symbol: "frxAUDJPY", DisplayName: "AUD/JPY", Market: "forex"},
	{Symbol: "frxEURAUD", DisplayName: "EUR/AUD", Market: "forex"},
}

var pairIndex = func() map[string]struct{} {
	m := make(map[string]struct{}, len(supportedPairs))
	for _, p := range supportedPairs {
		m[p.Symbol] = struct{}{}
	}
	return m
}()

// SupportedPairs returns a copy of the tradable pair list
func SupportedPairs() []Pair {
	out := make([]Pair, len(supportedPairs))
	copy(out, supportedPairs)
	return out
}

// IsSupportedPair reports whether symbol is in the pair list
func IsSupportedPair(symbol string) bool {
	_, ok := pairIndex[symbol]
	return ok
}
