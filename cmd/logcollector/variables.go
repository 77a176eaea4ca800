package main

var (
	configFile string
	logLevel   string

	// sources add/update
	srcName     string
	srcIP       string
	srcPort     int
	srcProtocol string
	srcTarget   string
	srcFolder   string
	srcHECURL   string
	srcHECToken string
	srcBatch    int
	srcCIDRs    string
	srcCheck    bool

	// smoke-test
	smokeHECURL   string
	smokeHECToken string

	// status
	statusAddr string
	statusJSON bool
)
