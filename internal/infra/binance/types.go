package binance

import "encoding/json"

// REST payloads. Numeric fields arrive as strings to keep precision.

type exchangeInfoResponse struct {
	Symbols []symbolInfo `json:"symbols"`
}

type symbolInfo struct {
	Symbol         string         `json:"symbol"`
	Pair           string         `json:"pair"`
	Status         string         `json:"status"`
	ContractStatus string         `json:"contractStatus"` // COIN-M only
	ContractType   string         `json:"contractType"`
	ContractSize   float64        `json:"contractSize"`
	QuoteAsset     string         `json:"quoteAsset"`
	Filters        []symbolFilter `json:"filters"`
}

type symbolFilter struct {
	FilterType string `json:"filterType"`
	TickSize   string `json:"tickSize"`
	MinQty     string `json:"minQty"`
}

type depthResponse struct {
	LastUpdateID uint64     `json:"lastUpdateId"`
	EventTime    int64      `json:"E"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

type tickerStatsResponse struct {
	Symbol             string `json:"symbol"`
	LastPrice          string `json:"lastPrice"`
	PriceChangePercent string `json:"priceChangePercent"`
	QuoteVolume        string `json:"quoteVolume"`
	Volume             string `json:"volume"`
}

type openInterestResponse struct {
	SumOpenInterest string `json:"sumOpenInterest"`
	Timestamp       int64  `json:"timestamp"`
}

// klineRow is [openTime, o, h, l, c, volume, closeTime, quoteVolume, trades,
// takerBuyBase, takerBuyQuote, ignore].
type klineRow []json.RawMessage

// Websocket payloads.

type streamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// encoding/json falls back to case-insensitive key matching, and Binance
// uses keys differing only in case ("e"/"E", "t"/"T", "m"/"M", "l"/"L").
// Every key of a payload is therefore declared, even when unused.

type eventHeader struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
}

type depthUpdate struct {
	Event     string     `json:"e"`
	EventTime int64      `json:"E"`
	TxTime    int64      `json:"T"`
	Symbol    string     `json:"s"`
	FirstID   uint64     `json:"U"`
	LastID    uint64     `json:"u"`
	PrevID    *uint64    `json:"pu"`
	Bids      [][]string `json:"b"`
	Asks      [][]string `json:"a"`
}

// tradeEvent covers both "trade" and "aggTrade"; both carry m (buyer is maker).
// Spot payloads end with M, an unused flag.
type tradeEvent struct {
	Event        string `json:"e"`
	EventTime    int64  `json:"E"`
	Symbol       string `json:"s"`
	TradeID      int64  `json:"t"`
	AggID        int64  `json:"a"`
	Price        string `json:"p"`
	Qty          string `json:"q"`
	FirstID      int64  `json:"f"`
	LastID       int64  `json:"l"`
	TradeTime    int64  `json:"T"`
	BuyerIsMaker bool   `json:"m"`
	Ignore       bool   `json:"M"`
}

type klineEvent struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Kline     struct {
		Start         int64  `json:"t"`
		CloseTime     int64  `json:"T"`
		Symbol        string `json:"s"`
		Interval      string `json:"i"`
		FirstTradeID  int64  `json:"f"`
		LastTradeID   int64  `json:"L"`
		Open          string `json:"o"`
		Close         string `json:"c"`
		High          string `json:"h"`
		Low           string `json:"l"`
		Volume        string `json:"v"`
		Trades        int64  `json:"n"`
		Closed        bool   `json:"x"`
		QuoteVolume   string `json:"q"`
		TakerBuyVol   string `json:"V"`
		TakerBuyQuote string `json:"Q"`
		Ignore        string `json:"B"`
	} `json:"k"`
}
