package txbuilder

import (
	"salebot/internal/config"
)

func GasFromConfig(cfg *config.Config) (GasParams, error) {
	price, err := cfg.GasPrice()
	if err != nil {
		return GasParams{}, err
	}
	return GasParams{Limit: cfg.Gas.Limit, Price: price}, nil
}
