package smartmeter

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/wnsm/wnsm-sync/internal/apierr"
)

// Contract is one business partner with its metering points, as listed by
// the zaehlpunkte endpoint.
type Contract struct {
	CustomerID  string               `json:"geschaeftspartner"`
	Zaehlpunkte []ContractZaehlpunkt `json:"zaehlpunkte"`
}

type ContractZaehlpunkt struct {
	Zaehlpunktnummer string `json:"zaehlpunktnummer"`
	Anlage           struct {
		Typ string `json:"typ"`
	} `json:"anlage"`
}

// MeteringPoint is a resolved Zaehlpunkt.
type MeteringPoint struct {
	CustomerID   string
	ID           string
	Installation InstallationType
}

// Contracts lists all contracts of the logged-in identity.
func (c *Client) Contracts(ctx context.Context) ([]Contract, error) {
	raw, err := c.Call(ctx, Request{Endpoint: "zaehlpunkte", Base: BaseB2C})
	if err != nil {
		return nil, err
	}

	var contracts []Contract
	if err := json.Unmarshal(raw, &contracts); err != nil {
		return nil, apierr.NewConnectionError("decode zaehlpunkte", err)
	}
	return contracts, nil
}

// ResolveMeteringPoint looks up id in the contract listing. An empty id
// selects the first metering point of the first contract.
func (c *Client) ResolveMeteringPoint(ctx context.Context, id string) (MeteringPoint, error) {
	contracts, err := c.Contracts(ctx)
	if err != nil {
		return MeteringPoint{}, err
	}
	return findMeteringPoint(contracts, id)
}

func findMeteringPoint(contracts []Contract, id string) (MeteringPoint, error) {
	if len(contracts) == 0 {
		return MeteringPoint{}, apierr.NewQueryError("zaehlpunkte", "", apierr.ErrNoContracts)
	}

	if id == "" {
		first := contracts[0]
		if first.CustomerID == "" || len(first.Zaehlpunkte) == 0 || first.Zaehlpunkte[0].Zaehlpunktnummer == "" {
			return MeteringPoint{}, apierr.NewQueryError("zaehlpunkte", "first zaehlpunkt data structure invalid", nil)
		}
		return newMeteringPoint(first.CustomerID, first.Zaehlpunkte[0])
	}

	for _, contract := range contracts {
		for _, zp := range contract.Zaehlpunkte {
			if zp.Zaehlpunktnummer == id {
				return newMeteringPoint(contract.CustomerID, zp)
			}
		}
	}

	return MeteringPoint{}, apierr.NewQueryError("zaehlpunkte", fmt.Sprintf("zaehlpunkt %s", id), apierr.ErrMeteringPointNotFound)
}

func newMeteringPoint(customerID string, zp ContractZaehlpunkt) (MeteringPoint, error) {
	installation, err := ParseInstallationType(zp.Anlage.Typ)
	if err != nil {
		return MeteringPoint{}, err
	}
	return MeteringPoint{
		CustomerID:   customerID,
		ID:           zp.Zaehlpunktnummer,
		Installation: installation,
	}, nil
}
