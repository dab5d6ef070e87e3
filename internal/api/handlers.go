package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/shieldpool/relayer/internal/field"
	"github.com/shieldpool/relayer/internal/merkle"
	"github.com/shieldpool/relayer/internal/pipeline"
	"github.com/shieldpool/relayer/internal/relayerr"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"version":   Version,
		"leafCount": s.svc.Tree.LeafCount(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleTreeRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"root":      s.svc.Tree.Root().Hex(),
		"leafCount": s.svc.Tree.LeafCount(),
	})
}

func (s *Server) handleTreeProof(w http.ResponseWriter, r *http.Request) {
	indexStr := mux.Vars(r)["leafIndex"]
	index, err := strconv.ParseUint(indexStr, 10, 64)
	if err != nil {
		s.writeError(w, relayerr.New(relayerr.KindMalformedRequest, "leafIndex must be a non-negative integer"))
		return
	}

	proof, err := s.svc.Tree.Proof(index)
	if errors.Is(err, merkle.ErrOutOfRange) {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{
			"error":   "NotFound",
			"message": "leaf index out of range",
		})
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}

	elements := make([]string, len(proof.Siblings))
	for i, sib := range proof.Siblings {
		elements[i] = sib.Hex()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pathElements": elements,
		"pathIndices":  proof.Directions,
		"root":         proof.Root.Hex(),
	})
}

func (s *Server) handleDepositStatus(w http.ResponseWriter, r *http.Request) {
	commitment, err := field.Parse(mux.Vars(r)["commitment"])
	if err != nil {
		s.writeError(w, err)
		return
	}

	leaf, err := s.svc.Ledger.GetLeafByCommitment(r.Context(), commitment)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if leaf == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"confirmed": false,
			"leafIndex": -1,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"confirmed": true,
		"leafIndex": leaf.Index,
		"chainId":   leaf.ChainID,
		"amount":    leaf.Amount.String(),
		"asset":     leaf.Asset.Hex(),
		"timestamp": leaf.ObservedAt.Format(time.RFC3339),
	})
}

type withdrawBody struct {
	Proof         string   `json:"proof"`
	PublicSignals []string `json:"publicSignals"`
	TargetChainID uint64   `json:"targetChainId"`
	TokenAddress  string   `json:"tokenAddress"`
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var body withdrawBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, relayerr.Wrap(relayerr.KindMalformedRequest, err, "invalid request body"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	result, err := s.svc.Pipeline.Withdraw(ctx, pipeline.WithdrawRequest{
		Proof:         body.Proof,
		PublicSignals: body.PublicSignals,
		TargetChainID: body.TargetChainID,
		TokenAddress:  body.TokenAddress,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	fee := "0"
	if result.Fee != nil {
		fee = result.Fee.String()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"txHash":      result.TxHash,
		"blockNumber": result.BlockNumber,
		"gasUsed":     result.GasUsed,
		"fee":         fee,
	})
}

type transferBody struct {
	Proof         string   `json:"proof"`
	PublicSignals []string `json:"publicSignals"`
	TargetChainID uint64   `json:"targetChainId"`
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var body transferBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, relayerr.Wrap(relayerr.KindMalformedRequest, err, "invalid request body"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	if _, err := s.svc.Pipeline.Transfer(ctx, pipeline.TransferRequest{
		Proof:         body.Proof,
		PublicSignals: body.PublicSignals,
		TargetChainID: body.TargetChainID,
	}); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
	})
}

func (s *Server) handleFeeQuote(w http.ResponseWriter, r *http.Request) {
	chainID, err := strconv.ParseUint(r.URL.Query().Get("chainId"), 10, 64)
	if err != nil {
		s.writeError(w, relayerr.New(relayerr.KindMalformedRequest, "chainId query parameter is required"))
		return
	}
	if _, ok := s.svc.Adapters[chainID]; !ok {
		s.writeError(w, relayerr.New(relayerr.KindUnsupportedChain, "chain %d is not configured", chainID))
		return
	}

	quote, err := s.svc.Fees.Estimate(r.Context(), chainID)
	if err != nil {
		s.writeError(w, relayerr.Wrap(relayerr.KindRpcUnavailable, err, "fee estimate"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"chainId":      quote.ChainID,
		"gasPrice":     quote.GasPrice.String(),
		"gasLimit":     quote.GasLimit,
		"fee":          quote.Fee.String(),
		"feeMarginBps": quote.FeeMarginBps,
	})
}

func (s *Server) handleChains(w http.ResponseWriter, r *http.Request) {
	chains := make([]map[string]interface{}, 0, len(s.svc.Cfg.Chains))
	for _, cc := range s.svc.Cfg.Chains {
		entry := map[string]interface{}{
			"chainId":    cc.ChainID,
			"name":       cc.Name,
			"startBlock": cc.StartBlock,
		}
		if cursor, err := s.svc.Ledger.ScanCursor(r.Context(), cc.ChainID); err == nil {
			entry["scanCursor"] = cursor
		}
		if adapter, ok := s.svc.Adapters[cc.ChainID]; ok {
			if head, err := adapter.LatestBlock(r.Context()); err == nil {
				entry["head"] = head
			}
		}
		chains = append(chains, entry)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"chains": chains})
}
