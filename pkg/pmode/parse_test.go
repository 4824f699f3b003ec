package pmode

import (
	"errors"
	"strings"
	"testing"
)

const testDocument = `<?xml version="1.0" encoding="UTF-8"?>
<configuration party="blue_gw">
  <mpcs>
    <mpc name="defaultMpc"
         qualifiedName="http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/defaultMPC"
         enabled="true" default="true"
         retention_downloaded="0" retention_undownloaded="14400"/>
    <mpc name="pullMpc"
         qualifiedName="urn:fdc:example.eu:2019:mpc:pull"
         enabled="true" default="false"
         retention_downloaded="60" retention_undownloaded="1440"/>
  </mpcs>
  <businessProcesses>
    <roles>
      <role name="defaultInitiatorRole" value="http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/initiator"/>
      <role name="defaultResponderRole" value="http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/responder"/>
    </roles>
    <parties>
      <partyIdTypes>
        <partyIdType name="partyTypeUrn" value="urn:oasis:names:tc:ebcore:partyid-type:unregistered"/>
      </partyIdTypes>
      <party name="blue_gw" endpoint="http://blue.example.com/msh">
        <identifier partyId="domibus-blue" partyIdType="partyTypeUrn"/>
      </party>
      <party name="red_gw" endpoint="http://red.example.com/msh">
        <identifier partyId="domibus-red" partyIdType="partyTypeUrn"/>
      </party>
      <party name="green_gw" endpoint="http://green.example.com/msh">
        <identifier partyId="domibus-green" partyIdType="partyTypeUrn"/>
      </party>
    </parties>
    <services>
      <service name="testService" value="bdx:noprocess" type="tc1"/>
    </services>
    <actions>
      <action name="tc1Action" value="TC1Leg1"/>
      <action name="tc2Action" value="TC2Leg1"/>
    </actions>
    <agreements>
      <agreement name="agreement1" value="A1" type=""/>
    </agreements>
    <receptionAwareness name="receptionAwareness" retry="60;4;CONSTANT"/>
    <legConfigurations>
      <legConfiguration name="pushTestcase1tc1Action" service="testService" action="tc1Action"
                        defaultMpc="defaultMpc" security="eDeliveryPolicy"
                        receptionAwareness="receptionAwareness"/>
      <legConfiguration name="pullTestcase2tc2Action" service="testService" action="tc2Action"
                        defaultMpc="pullMpc" security="eDeliveryPolicy"
                        receptionAwareness="receptionAwareness"/>
    </legConfigurations>
    <processes>
      <process name="tc1Process" mep="oneway" binding="push">
        <initiatorParties><initiatorParty name="blue_gw"/></initiatorParties>
        <responderParties><responderParty name="red_gw"/></responderParties>
        <legs><leg name="pushTestcase1tc1Action"/></legs>
      </process>
      <process name="tc2Process" mep="oneway" binding="pull">
        <initiatorParties><initiatorParty name="red_gw"/></initiatorParties>
        <responderParties><responderParty name="blue_gw"/></responderParties>
        <legs><leg name="pullTestcase2tc2Action"/></legs>
      </process>
    </processes>
  </businessProcesses>
</configuration>`

func TestParse(t *testing.T) {
	cfg, warnings, err := Parse([]byte(testDocument))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Party == nil || cfg.Party.Name != "blue_gw" {
		t.Errorf("expected gateway party blue_gw, got %+v", cfg.Party)
	}
	if len(cfg.Parties) != 3 {
		t.Errorf("expected 3 parties, got %d", len(cfg.Parties))
	}
	if len(cfg.Processes) != 2 {
		t.Fatalf("expected 2 processes, got %d", len(cfg.Processes))
	}
	if len(cfg.Mpcs) != 2 {
		t.Errorf("expected 2 mpcs, got %d", len(cfg.Mpcs))
	}

	// green_gw is declared but never referenced
	found := false
	for _, w := range warnings {
		if strings.Contains(w, "green_gw") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected unreferenced-party warning for green_gw, got %v", warnings)
	}

	leg := cfg.LegByName("pushTestcase1tc1Action")
	if leg == nil {
		t.Fatal("expected push leg")
	}
	if leg.Service == nil || leg.Service.Value != "bdx:noprocess" {
		t.Errorf("unexpected leg service: %+v", leg.Service)
	}
	if leg.ReceptionAwareness == nil {
		t.Fatal("expected reception awareness on leg")
	}
	if leg.ReceptionAwareness.RetryTimeout != 60 {
		t.Errorf("expected retryTimeout 60, got %d", leg.ReceptionAwareness.RetryTimeout)
	}
	if leg.ReceptionAwareness.RetryCount != 4 {
		t.Errorf("expected retryCount 4, got %d", leg.ReceptionAwareness.RetryCount)
	}
	if leg.ReceptionAwareness.Algorithm != "CONSTANT" {
		t.Errorf("expected CONSTANT algorithm, got %s", leg.ReceptionAwareness.Algorithm)
	}
}

func TestParse_Malformed(t *testing.T) {
	_, _, err := Parse([]byte("not xml at all <<<"))
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestParse_DanglingReferences(t *testing.T) {
	doc := strings.Replace(testDocument, `service="testService"`, `service="ghostService"`, 1)
	_, _, err := Parse([]byte(doc))
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	found := false
	for _, issue := range verr.Issues {
		if strings.Contains(issue, "ghostService") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected issue naming ghostService, got %v", verr.Issues)
	}
}

func TestParse_InvalidRetryPolicy(t *testing.T) {
	doc := strings.Replace(testDocument, `retry="60;4;CONSTANT"`, `retry="sixty;four"`, 1)
	_, _, err := Parse([]byte(doc))
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestParse_UnknownGatewayParty(t *testing.T) {
	doc := strings.Replace(testDocument, `<configuration party="blue_gw">`, `<configuration party="nobody">`, 1)
	_, _, err := Parse([]byte(doc))
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestPartyHasIdentifier(t *testing.T) {
	cfg, _, err := Parse([]byte(testDocument))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	party := cfg.PartyByIdentifier("domibus-red")
	if party == nil || party.Name != "red_gw" {
		t.Fatalf("expected red_gw, got %+v", party)
	}
	// case-insensitive
	if cfg.PartyByIdentifier("DOMIBUS-RED") == nil {
		t.Error("expected case-insensitive identifier lookup")
	}
	if cfg.PartyByIdentifier("domibus-yellow") != nil {
		t.Error("expected nil for unknown identifier")
	}
}
