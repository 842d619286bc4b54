package consumer

import (
	"context"
	"io"
	"net/http"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/quantfeed/marketpipe/internal/config"
	"github.com/quantfeed/marketpipe/internal/connector"
)

type restInfoBinance struct {
	Symbols []struct {
		Symbol string `json:"symbol"`
		Status string `json:"status"`
	} `json:"symbols"`
}

type restProductCoinbase struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// ListedSymbols queries the vendor's REST API for its tradable
// symbols. Startup uses it to flag configured tickers the vendor does
// not list, before any subscription is attempted.
func ListedSymbols(ctx context.Context, vendor string) (map[string]struct{}, error) {
	rest, err := connector.GetREST()
	if err != nil {
		return nil, err
	}

	var url string
	switch vendor {
	case "binance":
		url = config.BinanceRESTBaseURL + "exchangeInfo"
	case "coinbase":
		url = config.CoinbaseRESTBaseURL + "products"
	default:
		return nil, errors.Errorf("no symbol listing endpoint for vendor %v", vendor)
	}

	req, err := rest.Request(ctx, url)
	if err != nil {
		return nil, err
	}
	resp, err := rest.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("%v symbol listing returned status %v", vendor, resp.StatusCode)
	}
	return parseListedSymbols(vendor, resp.Body)
}

// parseListedSymbols keeps only symbols the vendor reports as
// currently tradable.
func parseListedSymbols(vendor string, r io.Reader) (map[string]struct{}, error) {
	out := make(map[string]struct{})
	switch vendor {
	case "binance":
		info := restInfoBinance{}
		if err := jsoniter.NewDecoder(r).Decode(&info); err != nil {
			return nil, errors.Wrap(err, "decode exchangeInfo")
		}
		for _, s := range info.Symbols {
			if s.Status == "TRADING" {
				out[s.Symbol] = struct{}{}
			}
		}
	case "coinbase":
		var products []restProductCoinbase
		if err := jsoniter.NewDecoder(r).Decode(&products); err != nil {
			return nil, errors.Wrap(err, "decode products")
		}
		for _, p := range products {
			if p.Status == "online" {
				out[p.ID] = struct{}{}
			}
		}
	default:
		return nil, errors.Errorf("no symbol listing endpoint for vendor %v", vendor)
	}
	return out, nil
}
