package custody

import (
	"github.com/ethereum/go-ethereum/common"

	"pocketDCA/internal/model"
)

// Route is the backend a swap goes through. It is one of ConstantProduct,
// ConcentratedLiquidity or CommandRouter.
type Route interface {
	Address() common.Address
	Version() model.RouterVersion
	route()
}

// ConstantProduct prices and swaps through a V2 router's path functions.
type ConstantProduct struct {
	Router common.Address
}

// ConcentratedLiquidity swaps single-hop through a V3 router and prices
// through its companion quoter.
type ConcentratedLiquidity struct {
	Router common.Address
	Quoter common.Address
}

// CommandRouter swaps through a command-stream router, paying with a permit2
// allowance, and prices through a companion quoter.
type CommandRouter struct {
	Router  common.Address
	Quoter  common.Address
	Permit2 common.Address
}

func (r ConstantProduct) Address() common.Address       { return r.Router }
func (r ConcentratedLiquidity) Address() common.Address { return r.Router }
func (r CommandRouter) Address() common.Address         { return r.Router }

func (ConstantProduct) Version() model.RouterVersion       { return model.RouterV2 }
func (ConcentratedLiquidity) Version() model.RouterVersion { return model.RouterV3 }
func (CommandRouter) Version() model.RouterVersion         { return model.RouterUniversal }

func (ConstantProduct) route()       {}
func (ConcentratedLiquidity) route() {}
func (CommandRouter) route()         {}
