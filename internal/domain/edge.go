package domain

// EdgeEntry is the risk profile computed for one pair.
type EdgeEntry struct {
	Pair               string  `json:"pair"`
	StopLoss           float64 `json:"stoploss"`
	WinRate            float64 `json:"winrate"`
	RiskRewardRatio    float64 `json:"risk_reward_ratio"`
	RequiredRiskReward float64 `json:"required_risk_reward"`
	Expectancy         float64 `json:"expectancy"`
	TradeCount         int     `json:"nb_trades"`
	// AvgTradeDuration is in minutes.
	AvgTradeDuration float64 `json:"avg_trade_duration"`
}

// SimulatedTrade is one result of the offline simulation edge is computed
// from, stored one JSON object per line.
type SimulatedTrade struct {
	Pair        string  `json:"pair"`
	StopLoss    float64 `json:"stoploss"`
	ProfitRatio float64 `json:"profit_percent"`
	// DurationMin is the trade duration in minutes.
	DurationMin float64 `json:"trade_duration"`
}
