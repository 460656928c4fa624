package main

import "time"

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
}

// ServeFlags holds flags for the serve command.
type ServeFlags struct {
	ConfigPath string
	Daemonize  bool
	LogFile    string
}

// APIFlags holds the daemon connection flags of the client commands.
type APIFlags struct {
	APIUrl     string
	APITimeout time.Duration
}

const defaultAPIUrl = "http://127.0.0.1:8173/api"
