package bybit

import "encoding/json"

// envelope wraps every v5 REST response.
type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
	Time    int64           `json:"time"`
}

type instrumentsResult struct {
	Category       string           `json:"category"`
	List           []instrumentInfo `json:"list"`
	NextPageCursor string           `json:"nextPageCursor"`
}

type instrumentInfo struct {
	Symbol       string `json:"symbol"`
	Status       string `json:"status"`
	ContractType string `json:"contractType"`
	QuoteCoin    string `json:"quoteCoin"`
	PriceFilter  struct {
		TickSize string `json:"tickSize"`
	} `json:"priceFilter"`
	LotSizeFilter struct {
		MinOrderQty string `json:"minOrderQty"`
	} `json:"lotSizeFilter"`
}

type tickersResult struct {
	List []struct {
		Symbol       string `json:"symbol"`
		LastPrice    string `json:"lastPrice"`
		Price24hPcnt string `json:"price24hPcnt"`
		Turnover24h  string `json:"turnover24h"`
	} `json:"list"`
}

// klineResult rows are [start, open, high, low, close, volume, turnover], newest first.
type klineResult struct {
	List [][]string `json:"list"`
}

type openInterestResult struct {
	List []struct {
		OpenInterest string `json:"openInterest"`
		Timestamp    string `json:"timestamp"`
	} `json:"list"`
}

type orderbookResult struct {
	Symbol   string     `json:"s"`
	Bids     [][]string `json:"b"`
	Asks     [][]string `json:"a"`
	Time     int64      `json:"ts"`
	UpdateID uint64     `json:"u"`
}

// Websocket payloads.

type wsMessage struct {
	Op      string          `json:"op"`
	Success *bool           `json:"success"`
	RetMsg  string          `json:"ret_msg"`
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	Ts      int64           `json:"ts"`
	Data    json.RawMessage `json:"data"`
}

type wsOrderbook struct {
	Symbol   string     `json:"s"`
	Bids     [][]string `json:"b"`
	Asks     [][]string `json:"a"`
	UpdateID uint64     `json:"u"`
	Seq      uint64     `json:"seq"`
}

type wsTrade struct {
	Time   int64  `json:"T"`
	Symbol string `json:"s"`
	Side   string `json:"S"`
	Qty    string `json:"v"`
	Price  string `json:"p"`
}

type wsKline struct {
	Start   int64  `json:"start"`
	Open    string `json:"open"`
	Close   string `json:"close"`
	High    string `json:"high"`
	Low     string `json:"low"`
	Volume  string `json:"volume"`
	Confirm bool   `json:"confirm"`
}
