package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/srg/gattq/internal/testutils"
	"github.com/srg/gattq/internal/transport"
	"github.com/srg/gattq/internal/transport/transporttest"
)

// InspectTestSuite tests the inspect command functionality
type InspectTestSuite struct {
	CommandTestSuite
	originalFlags struct {
		connectTimeout time.Duration
		mtu            int
		verbose        bool
		json           bool
	}
}

// SetupSuite saves original flags before all tests
func (suite *InspectTestSuite) SetupSuite() {
	suite.CommandTestSuite.SetupSuite()

	suite.originalFlags.connectTimeout = inspectConnectTimeout
	suite.originalFlags.mtu = inspectMTU
	suite.originalFlags.verbose = inspectVerbose
	suite.originalFlags.json = inspectJSON
}

// TearDownSuite restores original flags after all tests
func (suite *InspectTestSuite) TearDownSuite() {
	inspectConnectTimeout = suite.originalFlags.connectTimeout
	inspectMTU = suite.originalFlags.mtu
	inspectVerbose = suite.originalFlags.verbose
	inspectJSON = suite.originalFlags.json

	suite.CommandTestSuite.TearDownSuite()
}

// SetupTest installs a two-service profile before each test
func (suite *InspectTestSuite) SetupTest() {
	suite.CommandTestSuite.SetupTest()

	suite.Fake = transporttest.NewProfile().FromJSON(`{
		"services": [
			{
				"uuid": "180a",
				"characteristics": [
					{"uuid": "2a29", "properties": "read", "value": [84, 101, 115, 116]},
					{"uuid": "2a24", "properties": "read", "value": [77, 111, 100, 101, 108]}
				]
			},
			{
				"uuid": "180d",
				"characteristics": [
					{"uuid": "2a37", "properties": "read,notify", "value": [0, 90]},
					{"uuid": "2a38", "properties": "read", "value": [1]}
				]
			}
		]
	}`).Build()

	// Reset flags to defaults
	inspectConnectTimeout = 30 * time.Second
	inspectMTU = 0
	inspectVerbose = false
	inspectJSON = false
}

func (suite *InspectTestSuite) TestInspectCmd_Flags() {
	// GOAL: Verify inspect command has all required flags with correct defaults
	//
	// TEST SCENARIO: Check flag definitions → all flags present → default values correct

	suite.Assert().NotNil(inspectCmd, "inspect command MUST be defined")
	suite.Assert().Equal("inspect <device-address>", inspectCmd.Use, "command usage MUST match expected format")

	flags := []struct {
		name         string
		defaultValue string
	}{
		{name: "connect-timeout", defaultValue: "30s"},
		{name: "mtu", defaultValue: "0"},
		{name: "json", defaultValue: "false"},
	}

	for _, f := range flags {
		suite.Run(f.name, func() {
			flag := inspectCmd.Flags().Lookup(f.name)
			suite.Assert().NotNil(flag, "flag MUST exist")
			suite.Assert().Equal(f.defaultValue, flag.DefValue, "default value MUST match")
		})
	}

	suite.Run("verbose", func() {
		flag := inspectCmd.Flags().Lookup("verbose")
		suite.Assert().NotNil(flag, "flag MUST exist")
		suite.Assert().Equal("v", flag.Shorthand, "verbose MUST keep its shorthand")
	})
}

func (suite *InspectTestSuite) TestInspectCmd_ArgsValidation() {
	// GOAL: Verify argument validation requires exactly one device address
	//
	// TEST SCENARIO: Various argument counts → only a single address passes

	tests := []struct {
		name        string
		args        []string
		expectError bool
	}{
		{name: "no arguments", args: []string{}, expectError: true},
		{name: "address only", args: []string{TestDeviceAddress1}, expectError: false},
		{name: "too many arguments", args: []string{TestDeviceAddress1, "extra"}, expectError: true},
	}

	for _, tt := range tests {
		suite.Run(tt.name, func() {
			err := inspectCmd.Args(inspectCmd, tt.args)
			if tt.expectError {
				suite.Assert().Error(err, "MUST reject argument count")
			} else {
				suite.Assert().NoError(err, "MUST accept argument count")
			}
		})
	}
}

func (suite *InspectTestSuite) TestRunInspect_TextOutput() {
	// GOAL: Verify the text listing walks the tree in discovery order with SIG names
	//
	// TEST SCENARIO: Inspect the two-service profile → header plus one indented line per attribute

	var err error
	out := suite.CaptureStdout(func() {
		err = runInspect(inspectCmd, []string{TestDeviceAddress1})
	})
	suite.Require().NoError(err, "runInspect MUST succeed")

	testutils.NewTextAsserter(suite.T()).Assert(out, `Peer 00:00:00:00:00:01 (MTU 247, 2 services)
service 180a (Device Information)
  char 2a29 (Manufacturer Name String) [read]
  char 2a24 (Model Number String) [read]
service 180d (Heart Rate)
  char 2a37 (Heart Rate Measurement) [read|notify]
    desc 2902 (Client Characteristic Configuration)
  char 2a38 (Body Sensor Location) [read]
`)
}

func (suite *InspectTestSuite) TestRunInspect_JSONOutput() {
	// GOAL: Verify the JSON document mirrors the discovered tree with resolved names
	//
	// TEST SCENARIO: Inspect with --json → services array in discovery order, CCCD present

	inspectJSON = true

	var err error
	out := suite.CaptureStdout(func() {
		err = runInspect(inspectCmd, []string{TestDeviceAddress1})
	})
	suite.Require().NoError(err, "runInspect MUST succeed")

	ja := testutils.NewJSONAsserter(suite.T()).WithOptions(
		testutils.WithCompareOnlyExpectedKeys(true),
	)
	ja.Assert(out, `{
		"services": [
			{
				"uuid": "180a",
				"name": "Device Information",
				"characteristics": [
					{"uuid": "2a29", "name": "Manufacturer Name String", "properties": ["read"]},
					{"uuid": "2a24", "name": "Model Number String", "properties": ["read"]}
				]
			},
			{
				"uuid": "180d",
				"name": "Heart Rate",
				"characteristics": [
					{
						"uuid": "2a37",
						"name": "Heart Rate Measurement",
						"properties": ["read", "notify"],
						"descriptors": [{"uuid": "2902", "name": "Client Characteristic Configuration"}]
					},
					{"uuid": "2a38", "name": "Body Sensor Location", "properties": ["read"]}
				]
			}
		]
	}`)
}

func (suite *InspectTestSuite) TestRunInspect_MTURequest() {
	// GOAL: Verify --mtu drives the negotiation and the granted value shows in the header
	//
	// TEST SCENARIO: Inspect with --mtu 185 → exchange recorded by the peripheral → header reports 185

	inspectMTU = 185

	var err error
	out := suite.CaptureStdout(func() {
		err = runInspect(inspectCmd, []string{TestDeviceAddress1})
	})
	suite.Require().NoError(err, "runInspect MUST succeed")
	suite.Assert().Contains(out, "(MTU 185, 2 services)", "header MUST report the granted value")

	found := false
	for _, req := range suite.Fake.Requests(TestDeviceAddress1) {
		if m, ok := req.(transport.ExchangeMTU); ok {
			suite.Assert().Equal(185, m.MTU, "exchange MUST carry the requested value")
			found = true
		}
	}
	suite.Assert().True(found, "peripheral MUST see an MTU exchange")
}

func (suite *InspectTestSuite) TestRenderTreeText_UnknownUUIDs() {
	// GOAL: Verify vendor UUIDs outside the assigned-numbers tables render without a name
	//
	// TEST SCENARIO: Render a vendor profile directly → bare UUIDs, CCCD still annotated

	tree := transporttest.NewProfile().
		WithService("ffe0").
		WithCharacteristic("ffe1", "read,write-without-response,notify", nil).
		Build().Tree()

	var buf bytes.Buffer
	err := renderTreeText(&buf, "AA:BB:CC:DD:EE:FF", 23, tree)
	suite.Require().NoError(err, "render MUST succeed")

	testutils.NewTextAsserter(suite.T()).Assert(buf.String(), `Peer AA:BB:CC:DD:EE:FF (MTU 23, 1 services)
service ffe0
  char ffe1 [read|write-without-response|notify]
    desc 2902 (Client Characteristic Configuration)
`)
}

// TestInspectCommandSuite runs the test suite
func TestInspectCommandSuite(t *testing.T) {
	suite.Run(t, new(InspectTestSuite))
}
