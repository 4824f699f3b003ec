package tenant

import (
	"context"
	"testing"

	"github.com/sirosfoundation/go-gateway/internal/signal"
)

func TestRegistry_ProviderPerTenant(t *testing.T) {
	r := NewRegistry(Config{})

	a := r.Provider("tenant-a")
	b := r.Provider("tenant-b")
	if a == b {
		t.Fatal("expected distinct providers per tenant")
	}
	if got := r.Provider("tenant-a"); got != a {
		t.Error("expected the same provider on repeated access")
	}
	if len(r.Tenants()) != 2 {
		t.Errorf("expected 2 tenants, got %v", r.Tenants())
	}
}

func TestRegistry_EmptyTenantIsDefault(t *testing.T) {
	r := NewRegistry(Config{})

	if r.Provider("") != r.Provider(DefaultTenant) {
		t.Error("expected empty tenant id to map to the default tenant")
	}
}

func TestRegistry_LoadSignalsBus(t *testing.T) {
	bus := signal.NewMemoryBus()
	r := NewRegistry(Config{Bus: bus})

	reloads := bus.Subscribe("tenant-a")
	p := r.Provider("tenant-a")

	doc := []byte(minimalDocument)
	if _, err := p.Load(context.Background(), doc); err != nil {
		t.Fatalf("loading configuration: %v", err)
	}

	select {
	case <-reloads:
	default:
		t.Error("expected a reload signal after load")
	}
}

const minimalDocument = `<?xml version="1.0" encoding="UTF-8"?>
<configuration party="blue_gw">
  <mpcs>
    <mpc name="defaultMpc"
         qualifiedName="http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/defaultMPC"
         enabled="true" default="true"
         retention_downloaded="0" retention_undownloaded="14400"/>
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
    </parties>
    <services>
      <service name="testService" value="bdx:noprocess" type="tc1"/>
    </services>
    <actions>
      <action name="tc1Action" value="TC1Leg1"/>
    </actions>
    <agreements>
      <agreement name="agreement1" value="A1" type=""/>
    </agreements>
    <receptionAwareness name="receptionAwareness" retry="60;4;CONSTANT"/>
    <legConfigurations>
      <legConfiguration name="pushTestcase1tc1Action" service="testService" action="tc1Action"
                        defaultMpc="defaultMpc" security="eDeliveryPolicy"
                        receptionAwareness="receptionAwareness"/>
    </legConfigurations>
    <processes>
      <process name="tc1Process" mep="oneway" binding="push">
        <initiatorParties><initiatorParty name="blue_gw"/></initiatorParties>
        <responderParties><responderParty name="red_gw"/></responderParties>
        <legs><leg name="pushTestcase1tc1Action"/></legs>
      </process>
    </processes>
  </businessProcesses>
</configuration>`
