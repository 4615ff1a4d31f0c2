package state

import (
	"encoding/json"
	"math/big"
	"sort"
	"strings"

	"degenerus-indexer/internal/store"
)

// Reconstructor materializes domain-state snapshots by left-folding the
// stored event sequence. Determinism comes from the store's ordering
// contract: events arrive in (block_number ASC, log_index ASC) order
// regardless of how they were ingested.
type Reconstructor struct {
	st    *store.Store
	names map[string]string
}

// New builds a reconstructor over the store, loading the contract catalog for
// token and NFT display names.
func New(st *store.Store) (*Reconstructor, error) {
	names, err := st.ContractNames()
	if err != nil {
		return nil, err
	}
	return &Reconstructor{st: st, names: names}, nil
}

// AtBlock folds every stored event with block_number <= block into a fresh
// snapshot.
func (r *Reconstructor) AtBlock(block uint64) (*Snapshot, error) {
	snap := newSnapshot()
	events, err := r.st.EventsUpTo(block)
	if err != nil {
		return nil, err
	}
	for _, ev := range events {
		r.apply(snap, ev)
	}
	return snap, nil
}

// GameState returns only the game subtree of the snapshot at block.
func (r *Reconstructor) GameState(block uint64) (*Game, error) {
	snap, err := r.AtBlock(block)
	if err != nil {
		return nil, err
	}
	return snap.Game, nil
}

// PlayerState returns the given player's slice of the snapshot at block, with
// per-token balances and per-NFT holdings projected in.
func (r *Reconstructor) PlayerState(address string, block uint64) (*Player, error) {
	snap, err := r.AtBlock(block)
	if err != nil {
		return nil, err
	}
	addr := strings.ToLower(address)

	player, ok := snap.Players[addr]
	if !ok {
		player = &Player{Address: addr}
	}

	player.TokenBalances = make(map[string]*big.Int, len(snap.Tokens))
	for tokenAddr, token := range snap.Tokens {
		name := token.Name
		if name == "" {
			name = tokenAddr
		}
		bal, ok := token.Balances[addr]
		if !ok {
			bal = big.NewInt(0)
		}
		player.TokenBalances[name] = bal
	}

	player.NFTHoldings = make(map[string][]string)
	for nftAddr, nft := range snap.NFTs {
		name := nft.Name
		if name == "" {
			name = nftAddr
		}
		var tokenIDs []string
		for tokenID, owner := range nft.Owners {
			if owner == addr {
				tokenIDs = append(tokenIDs, tokenID)
			}
		}
		if len(tokenIDs) > 0 {
			sort.Strings(tokenIDs)
			player.NFTHoldings[name] = tokenIDs
		}
	}
	return player, nil
}

func (r *Reconstructor) apply(snap *Snapshot, ev store.StoredEvent) {
	name := ev.EventName
	args := parseArgs(ev.DecodedArgs)
	contractAddr := strings.ToLower(ev.ContractAddress)

	snap.Events.Counts[name]++
	block := ev.BlockNumber
	snap.Game.LastEventBlock = &block

	switch name {
	case "PhaseAdvanced":
		if v, ok := argBig(args, "newPhase", "phase"); ok {
			snap.Game.Phase = v
		}
	case "LevelAdvanced":
		if v, ok := argBig(args, "newLevel", "level"); ok {
			snap.Game.Level = v
		}
	case "PrizePoolUpdated":
		// Authoritative snapshot per pool: assignment, not delta.
		pools := snap.Game.PrizePools
		for key, dst := range map[string]**big.Int{
			"current":   &pools.Current,
			"future":    &pools.Future,
			"next":      &pools.Next,
			"baf":       &pools.BAF,
			"decimator": &pools.Decimator,
		} {
			if v, ok := argBig(args, key); ok {
				*dst = v
			}
		}
	case "DailyJackpotPaid", "LevelJackpotPaid":
		amount := firstBig(args, "amount", "payout")
		snap.Game.PrizePools.Current = subFloor(snap.Game.PrizePools.Current, amount)
	case "BAFDistributed":
		amount := firstBig(args, "amount", "payout")
		snap.Game.PrizePools.BAF = subFloor(snap.Game.PrizePools.BAF, amount)
	case "DecimatorPaid":
		amount := firstBig(args, "amount", "payout")
		snap.Game.PrizePools.Decimator = subFloor(snap.Game.PrizePools.Decimator, amount)
	case "GamepieceMinted":
		r.applyGamepieceMint(snap, args)
	case "GamepieceBurned":
		if tokenID, ok := tokenIDString(args); ok {
			if piece, exists := snap.Gamepieces[tokenID]; exists {
				piece.Burned = true
			}
		}
	case "AffiliateRegistered":
		player := addrValue(firstPresent(args, "player", "account"))
		if player != "" {
			snap.Affiliates[player] = &Affiliate{
				Code:   args["code"],
				Upline: firstPresent(args, "upline", "referrer"),
			}
		}
	case "Transfer":
		r.applyTransfer(snap, contractAddr, args)
	}

	r.applyPlayerHeuristics(snap, name, args)
}

func (r *Reconstructor) applyGamepieceMint(snap *Snapshot, args Args) {
	tokenID, ok := tokenIDString(args)
	if !ok {
		return
	}
	snap.Gamepieces[tokenID] = &Gamepiece{
		Owner:  firstPresent(args, "to", "owner"),
		Traits: args["traits"],
		Burned: false,
	}

	traits, ok := args["traits"].([]interface{})
	if !ok || len(traits) != 4 {
		return
	}
	for idx, v := range traits {
		traitIndex, ok := bigValue(v)
		if !ok || !traitIndex.IsInt64() {
			continue
		}
		t := traitIndex.Int64()
		if t >= 0 && t < 4 {
			snap.Game.TraitCounts[idx][t]++
		}
	}
}

// applyTransfer classifies a Transfer by shape: an integral `value` argument
// means ERC-20 balance accounting, a `tokenId` argument means ERC-721
// ownership tracking.
func (r *Reconstructor) applyTransfer(snap *Snapshot, contractAddr string, args Args) {
	if contractAddr == "" {
		return
	}
	from := addrValue(args["from"])
	to := addrValue(args["to"])

	if v, ok := args["value"]; ok && isInteger(v) {
		value, _ := bigValue(v)
		token := snap.token(contractAddr, r.contractName(contractAddr))
		// The zero address is mint/burn bookkeeping, not a holder.
		if from != "" && from != ZeroAddress {
			token.Balances[from] = sub(balanceOf(token, from), value)
		}
		if to != "" && to != ZeroAddress {
			token.Balances[to] = add(balanceOf(token, to), value)
		}
		if from == ZeroAddress {
			token.TotalSupply = add(token.TotalSupply, value)
		}
		if to == ZeroAddress {
			token.TotalSupply = sub(token.TotalSupply, value)
		}
		return
	}

	if tokenID, ok := tokenIDString(args); ok {
		nft := snap.nft(contractAddr, r.contractName(contractAddr))
		if to == ZeroAddress {
			delete(nft.Owners, tokenID)
		} else {
			nft.Owners[tokenID] = to
		}
	}
}

// applyPlayerHeuristics runs on every event: the first address-bearing key
// from a fixed preference list is treated as the acting player, and deposit,
// withdrawal and ticket arguments accumulate onto that player.
func (r *Reconstructor) applyPlayerHeuristics(snap *Snapshot, name string, args Args) {
	var playerAddr string
	for _, key := range []string{"player", "account", "owner", "sender", "to"} {
		if v, ok := args[key]; ok {
			playerAddr = addrValue(v)
			break
		}
	}
	if playerAddr == "" || playerAddr == ZeroAddress {
		return
	}
	player := snap.player(playerAddr)

	switch name {
	case "Deposit", "Deposited":
		player.EthDeposited = add(player.EthDeposited, firstBig(args, "assets", "amount", "value"))
	case "Withdraw", "Withdrawal", "Withdrawn":
		player.EthDeposited = subFloor(player.EthDeposited, firstBig(args, "assets", "amount", "value"))
	}

	if v, ok := args["tickets"]; ok {
		if n, ok := bigValue(v); ok {
			player.Tickets.Current = add(player.Tickets.Current, n)
		}
	}
	if v, ok := args["futureTickets"]; ok {
		if n, ok := bigValue(v); ok {
			player.Tickets.Future = add(player.Tickets.Future, n)
		}
	}
}

func (r *Reconstructor) contractName(addr string) string {
	if name, ok := r.names[addr]; ok {
		return name
	}
	return addr
}

func argBig(args Args, keys ...string) (*big.Int, bool) {
	for _, key := range keys {
		if v, ok := args[key]; ok {
			if n, ok := bigValue(v); ok {
				return n, true
			}
		}
	}
	return nil, false
}

func firstPresent(args Args, keys ...string) interface{} {
	for _, key := range keys {
		if v, ok := args[key]; ok && v != nil {
			return v
		}
	}
	return nil
}

func tokenIDString(args Args) (string, bool) {
	v, ok := args["tokenId"]
	if !ok {
		return "", false
	}
	if n, isNum := v.(json.Number); isNum {
		return n.String(), true
	}
	if n, okBig := bigValue(v); okBig {
		return n.String(), true
	}
	return addrValue(v), true
}

func balanceOf(token *Token, addr string) *big.Int {
	if b, ok := token.Balances[addr]; ok {
		return b
	}
	return big.NewInt(0)
}

func add(a, b *big.Int) *big.Int { return new(big.Int).Add(a, b) }
func sub(a, b *big.Int) *big.Int { return new(big.Int).Sub(a, b) }
