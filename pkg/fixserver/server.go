// Package fixserver is a FIX 4.4 acceptor that simulates an execution
// venue for gateway testing: it acknowledges incoming orders and reports
// fills back as ExecutionReports.
package fixserver

import (
	"log"

	"github.com/shopspring/decimal"
)

type Server struct {
	app            *Application
	configFilepath string
	defaultMark    decimal.Decimal
}

func NewServer() *Server {
	return &Server{}
}

func (s *Server) Init(configFilepath string) error {
	s.configFilepath = configFilepath
	return nil
}

// SetDefaultMark prices market orders on symbols without an explicit mark.
func (s *Server) SetDefaultMark(price decimal.Decimal) {
	s.defaultMark = price
}

func (s *Server) Start() error {
	app, err := startApp(s.configFilepath, AppConfig{
		enableQueue: true,
		DefaultMark: s.defaultMark,
	})
	if err != nil {
		log.Println("start app err=", err)
		return err
	}
	s.app = app
	return nil
}

func (s *Server) Stop() error {
	if s.app != nil {
		stopApp(s.app)
	}
	return nil
}

// SetMark prices market orders on a symbol.
func (s *Server) SetMark(symbol string, price decimal.Decimal) {
	if s.app != nil {
		s.app.SetMark(symbol, price)
	}
}
