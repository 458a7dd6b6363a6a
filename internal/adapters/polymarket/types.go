package polymarket

import "encoding/json"

// DTOs raw de las APIs de Polymarket. Solo se usan dentro de este paquete;
// la conversión a domain entities vive en mapping.go.

// --- CLOB API ---

// samplingMarketsResponse es la respuesta paginada de GET /sampling-markets.
type samplingMarketsResponse struct {
	Limit      int              `json:"limit"`
	Count      int              `json:"count"`
	NextCursor string           `json:"next_cursor"`
	Data       []samplingMarket `json:"data"`
}

// samplingMarket es un mercado con rewards activos del CLOB.
type samplingMarket struct {
	ConditionID     string      `json:"condition_id"`
	QuestionID      string      `json:"question_id"`
	Question        string      `json:"question"`
	Tokens          []clobToken `json:"tokens"`
	Rewards         clobRewards `json:"rewards"`
	MinimumTickSize json.Number `json:"minimum_tick_size"`
	Active          bool        `json:"active"`
	Closed          bool        `json:"closed"`
	NegRisk         bool        `json:"neg_risk"`
}

// clobToken representa un token (YES/NO) en el CLOB.
type clobToken struct {
	TokenID string  `json:"token_id"`
	Outcome string  `json:"outcome"`
	Price   float64 `json:"price"`
}

// clobRewards contiene la configuración de rewards del mercado.
type clobRewards struct {
	Rates     []rewardRate `json:"rates"`
	MinSize   float64      `json:"min_size"`
	MaxSpread float64      `json:"max_spread"`
}

// rewardRate es la tasa de reward por asset.
type rewardRate struct {
	AssetAddress     string  `json:"asset_address"`
	RewardsDailyRate float64 `json:"rewards_daily_rate"`
}

// orderBookResponse es la respuesta de GET /book.
type orderBookResponse struct {
	AssetID string         `json:"asset_id"`
	Bids    []bookEntryRaw `json:"bids"`
	Asks    []bookEntryRaw `json:"asks"`
}

// bookEntryRaw es un nivel de precio raw (strings para mayor precisión).
type bookEntryRaw struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type clobNegRiskResponse struct {
	NegRisk bool `json:"neg_risk"`
}

// clobOrderResponse es la respuesta de POST /order.
type clobOrderResponse struct {
	ErrorMsg     string `json:"errorMsg"`
	OrderID      string `json:"orderID"`
	TakingAmount string `json:"takingAmount"`
	MakingAmount string `json:"makingAmount"`
	Status       string `json:"status"`
	Success      bool   `json:"success"`
}

// clobOpenOrder es una orden viva según GET /orders.
type clobOpenOrder struct {
	ID           string `json:"id"`
	AssetID      string `json:"asset_id"`
	Market       string `json:"market"`
	Side         string `json:"side"`
	OriginalSize string `json:"original_size"`
	SizeMatched  string `json:"size_matched"`
	Price        string `json:"price"`
	Status       string `json:"status"`
	CreatedAt    string `json:"created_at"`
}

type clobOrdersResponse struct {
	Data       []clobOpenOrder `json:"data"`
	NextCursor string          `json:"next_cursor"`
}

// --- Gamma API ---

// gammaMarketsResponse es la respuesta de GET /markets de Gamma.
type gammaMarketsResponse []gammaMarket

// gammaMarket contiene la metadata agregada de un mercado. Gamma devuelve
// varios campos numéricos como strings JSON, de ahí json.Number.
type gammaMarket struct {
	ConditionID string      `json:"conditionId"`
	Question    string      `json:"question"`
	Volume      json.Number `json:"volume"`
	Volume24h   json.Number `json:"volume24hr"`
	Liquidity   json.Number `json:"liquidity"`
	Active      bool        `json:"active"`
	Closed      bool        `json:"closed"`
}

// --- Data API ---

type rawDataTrade struct {
	ID          string      `json:"id"`
	ConditionID string      `json:"conditionId"`
	Asset       string      `json:"asset"`
	Side        string      `json:"side"`
	Price       json.Number `json:"price"`
	Size        json.Number `json:"size"`
	Timestamp   json.Number `json:"timestamp"`
}

// --- Subgraph ---

// subgraphQuery es el body del POST al endpoint GraphQL.
type subgraphQuery struct {
	Query     string            `json:"query"`
	Variables map[string]string `json:"variables,omitempty"`
}

type subgraphMarketResponse struct {
	Data struct {
		Condition *subgraphCondition `json:"condition"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

type subgraphCondition struct {
	ID                  string      `json:"id"`
	LastActiveTimestamp json.Number `json:"lastActiveTimestamp"`
	OpenInterest        json.Number `json:"openInterest"`
	TickSize            json.Number `json:"tickSize"`
}
