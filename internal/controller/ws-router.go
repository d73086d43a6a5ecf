package controller

import (
	"github.com/sharetube/syncwatch/internal/repository/connection"
	"github.com/sharetube/syncwatch/internal/transport/protocol"
	"github.com/sharetube/syncwatch/pkg/wsrouter"
)

func (c controller) getWSRouter() *wsrouter.WSRouter[*connection.Conn] {
	mux := wsrouter.New[*connection.Conn]()
	mux.Use(c.wsRequestIdWSMw(), c.loggerWSMw())
	mux.OnError(c.handleWSError)

	// clock
	wsrouter.Handle(mux, protocol.TypeProbe, c.handleProbe)

	// state
	wsrouter.Handle(mux, protocol.TypeReadState, c.handleReadState)
	wsrouter.Handle(mux, protocol.TypeUpdateState, c.handleUpdateState)

	// host
	wsrouter.Handle(mux, protocol.TypeClaimHost, c.handleClaimHost)
	wsrouter.Handle(mux, protocol.TypeTransferHost, c.handleTransferHost)
	wsrouter.Handle(mux, protocol.TypeRenewHost, c.handleRenewHost)
	wsrouter.Handle(mux, protocol.TypeReleaseHost, c.handleReleaseHost)

	return mux
}
