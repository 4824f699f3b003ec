package pmode

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/beevik/etree"

	"github.com/sirosfoundation/go-gateway/pkg/mep"
)

// Parse deserializes and validates an exchange-configuration document.
// It returns the configuration, a list of non-fatal structural warnings
// (unreferenced parties, disabled MPCs in use, defaults applied), and an
// error. Structural failures return a *ValidationError carrying every
// issue found, not just the first.
func Parse(data []byte) (*Configuration, []string, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, nil, &ValidationError{Issues: []string{fmt.Sprintf("malformed document: %v", err)}}
	}

	root := doc.SelectElement("configuration")
	if root == nil {
		return nil, nil, &ValidationError{Issues: []string{"missing root element <configuration>"}}
	}

	p := &parser{}
	cfg := p.configuration(root)
	if len(p.issues) > 0 {
		return nil, nil, &ValidationError{Issues: p.issues}
	}
	p.lint(cfg)
	return cfg, p.warnings, nil
}

// parser accumulates fatal issues and non-fatal warnings while walking
// the document tree.
type parser struct {
	issues   []string
	warnings []string

	// intermediate name lookups used during linking
	services           map[string]*Service
	actions            map[string]*Action
	mpcs               map[string]*Mpc
	receptionAwareness map[string]*ReceptionAwareness
	legs               map[string]*LegConfiguration
	parties            map[string]*Party
	agreements         map[string]*Agreement
}

func (p *parser) errorf(format string, args ...any) {
	p.issues = append(p.issues, fmt.Sprintf(format, args...))
}

func (p *parser) warnf(format string, args ...any) {
	p.warnings = append(p.warnings, fmt.Sprintf(format, args...))
}

func (p *parser) configuration(root *etree.Element) *Configuration {
	cfg := &Configuration{}

	p.parseMpcs(cfg, root.SelectElement("mpcs"))

	bp := root.SelectElement("businessProcesses")
	if bp == nil {
		p.errorf("missing <businessProcesses>")
		return cfg
	}

	p.parseRoles(cfg, bp.SelectElement("roles"))
	p.parseParties(cfg, bp.SelectElement("parties"))
	p.parseAgreements(cfg, bp.SelectElement("agreements"))
	p.parseServices(cfg, bp.SelectElement("services"))
	p.parseActions(cfg, bp.SelectElement("actions"))
	p.parseReceptionAwareness(bp)
	p.parseLegs(cfg, bp.SelectElement("legConfigurations"))
	p.parseProcesses(cfg, bp.SelectElement("processes"))

	gatewayParty := root.SelectAttrValue("party", "")
	if gatewayParty == "" {
		p.errorf("missing party attribute on <configuration>")
	} else if cfg.Party = p.parties[strings.ToLower(gatewayParty)]; cfg.Party == nil {
		p.errorf("gateway party %q is not declared", gatewayParty)
	}

	return cfg
}

func (p *parser) parseMpcs(cfg *Configuration, mpcs *etree.Element) {
	p.mpcs = make(map[string]*Mpc)
	if mpcs == nil {
		p.errorf("missing <mpcs>")
		return
	}
	for _, el := range mpcs.SelectElements("mpc") {
		m := &Mpc{
			Name:          el.SelectAttrValue("name", ""),
			QualifiedName: el.SelectAttrValue("qualifiedName", ""),
			Enabled:       p.boolAttr(el, "enabled", true),
			Default:       p.boolAttr(el, "default", false),

			RetentionDownloaded:   p.intAttr(el, "retention_downloaded", 0),
			RetentionUndownloaded: p.intAttr(el, "retention_undownloaded", -1),
		}
		if m.Name == "" {
			p.errorf("mpc without name")
			continue
		}
		if m.QualifiedName == "" {
			m.QualifiedName = mep.DefaultMpc
			p.warnf("mpc %q has no qualifiedName, defaulting to %s", m.Name, m.QualifiedName)
		}
		if _, dup := p.mpcs[strings.ToLower(m.Name)]; dup {
			p.errorf("duplicate mpc %q", m.Name)
			continue
		}
		p.mpcs[strings.ToLower(m.Name)] = m
		cfg.Mpcs = append(cfg.Mpcs, m)
	}
	if len(cfg.Mpcs) == 0 {
		p.errorf("no message partition channels declared")
	}
}

func (p *parser) parseRoles(cfg *Configuration, roles *etree.Element) {
	if roles == nil {
		return
	}
	for _, el := range roles.SelectElements("role") {
		cfg.Roles = append(cfg.Roles, Role{
			Name:  el.SelectAttrValue("name", ""),
			Value: el.SelectAttrValue("value", ""),
		})
	}
}

func (p *parser) parseParties(cfg *Configuration, parties *etree.Element) {
	p.parties = make(map[string]*Party)
	if parties == nil {
		p.errorf("missing <parties>")
		return
	}

	// partyIdTypes map type names to their URI values
	idTypes := make(map[string]string)
	if typesEl := parties.SelectElement("partyIdTypes"); typesEl != nil {
		for _, el := range typesEl.SelectElements("partyIdType") {
			idTypes[el.SelectAttrValue("name", "")] = el.SelectAttrValue("value", "")
		}
	}

	for _, el := range parties.SelectElements("party") {
		party := &Party{
			Name:     el.SelectAttrValue("name", ""),
			Endpoint: el.SelectAttrValue("endpoint", ""),
		}
		if party.Name == "" {
			p.errorf("party without name")
			continue
		}
		for _, idEl := range el.SelectElements("identifier") {
			id := Identifier{PartyID: idEl.SelectAttrValue("partyId", "")}
			typeName := idEl.SelectAttrValue("partyIdType", "")
			if typeName != "" {
				typeValue, ok := idTypes[typeName]
				if !ok {
					p.errorf("party %q references unknown partyIdType %q", party.Name, typeName)
					continue
				}
				id.PartyIDType = typeValue
			}
			party.Identifiers = append(party.Identifiers, id)
		}
		if len(party.Identifiers) == 0 {
			p.errorf("party %q has no identifiers", party.Name)
		}
		if _, dup := p.parties[strings.ToLower(party.Name)]; dup {
			p.errorf("duplicate party %q", party.Name)
			continue
		}
		p.parties[strings.ToLower(party.Name)] = party
		cfg.Parties = append(cfg.Parties, party)
	}
}

func (p *parser) parseAgreements(cfg *Configuration, agreements *etree.Element) {
	p.agreements = make(map[string]*Agreement)
	if agreements == nil {
		return
	}
	for _, el := range agreements.SelectElements("agreement") {
		cfg.Agreements = append(cfg.Agreements, Agreement{
			Name:  el.SelectAttrValue("name", ""),
			Value: el.SelectAttrValue("value", ""),
			Type:  el.SelectAttrValue("type", ""),
		})
	}
	for i := range cfg.Agreements {
		p.agreements[strings.ToLower(cfg.Agreements[i].Name)] = &cfg.Agreements[i]
	}
}

func (p *parser) parseServices(cfg *Configuration, services *etree.Element) {
	p.services = make(map[string]*Service)
	if services == nil {
		p.errorf("missing <services>")
		return
	}
	for _, el := range services.SelectElements("service") {
		cfg.Services = append(cfg.Services, Service{
			Name:  el.SelectAttrValue("name", ""),
			Value: el.SelectAttrValue("value", ""),
			Type:  el.SelectAttrValue("type", ""),
		})
	}
	for i := range cfg.Services {
		p.services[strings.ToLower(cfg.Services[i].Name)] = &cfg.Services[i]
	}
}

func (p *parser) parseActions(cfg *Configuration, actions *etree.Element) {
	p.actions = make(map[string]*Action)
	if actions == nil {
		p.errorf("missing <actions>")
		return
	}
	for _, el := range actions.SelectElements("action") {
		cfg.Actions = append(cfg.Actions, Action{
			Name:  el.SelectAttrValue("name", ""),
			Value: el.SelectAttrValue("value", ""),
		})
	}
	for i := range cfg.Actions {
		p.actions[strings.ToLower(cfg.Actions[i].Name)] = &cfg.Actions[i]
	}
}

// parseReceptionAwareness parses retry policies. The retry attribute
// uses the compact "timeout;count;ALGORITHM" form, e.g. "12;4;CONSTANT".
func (p *parser) parseReceptionAwareness(bp *etree.Element) {
	p.receptionAwareness = make(map[string]*ReceptionAwareness)
	for _, el := range bp.SelectElements("receptionAwareness") {
		ra := &ReceptionAwareness{Name: el.SelectAttrValue("name", "")}
		retry := el.SelectAttrValue("retry", "")
		if retry == "" {
			p.errorf("receptionAwareness %q without retry attribute", ra.Name)
			continue
		}
		parts := strings.Split(retry, ";")
		if len(parts) != 3 {
			p.errorf("receptionAwareness %q: retry must be timeout;count;algorithm, got %q", ra.Name, retry)
			continue
		}
		timeout, err1 := strconv.Atoi(parts[0])
		count, err2 := strconv.Atoi(parts[1])
		if err1 != nil || err2 != nil || timeout <= 0 || count <= 0 {
			p.errorf("receptionAwareness %q: invalid retry %q", ra.Name, retry)
			continue
		}
		ra.RetryTimeout = timeout
		ra.RetryCount = count
		ra.Algorithm = strings.ToUpper(parts[2])
		p.receptionAwareness[strings.ToLower(ra.Name)] = ra
	}
}

func (p *parser) parseLegs(cfg *Configuration, legs *etree.Element) {
	p.legs = make(map[string]*LegConfiguration)
	if legs == nil {
		p.errorf("missing <legConfigurations>")
		return
	}
	for _, el := range legs.SelectElements("legConfiguration") {
		leg := &LegConfiguration{
			Name:     el.SelectAttrValue("name", ""),
			Security: el.SelectAttrValue("security", ""),
		}
		if leg.Name == "" {
			p.errorf("legConfiguration without name")
			continue
		}
		leg.Service = p.lookupService(leg.Name, el.SelectAttrValue("service", ""))
		leg.Action = p.lookupAction(leg.Name, el.SelectAttrValue("action", ""))
		leg.DefaultMpc = p.lookupMpc(leg.Name, el.SelectAttrValue("defaultMpc", ""))

		if raName := el.SelectAttrValue("receptionAwareness", ""); raName != "" {
			ra, ok := p.receptionAwareness[strings.ToLower(raName)]
			if !ok {
				p.errorf("leg %q references unknown receptionAwareness %q", leg.Name, raName)
			} else {
				leg.ReceptionAwareness = ra
			}
		}

		if _, dup := p.legs[strings.ToLower(leg.Name)]; dup {
			p.errorf("duplicate legConfiguration %q", leg.Name)
			continue
		}
		p.legs[strings.ToLower(leg.Name)] = leg
		cfg.Legs = append(cfg.Legs, leg)
	}
}

func (p *parser) parseProcesses(cfg *Configuration, processes *etree.Element) {
	if processes == nil {
		p.errorf("missing <processes>")
		return
	}
	for _, el := range processes.SelectElements("process") {
		proc := &Process{
			Name: el.SelectAttrValue("name", ""),
			MEP:  mep.OneWay,
		}
		if proc.Name == "" {
			p.errorf("process without name")
			continue
		}

		bindingName := el.SelectAttrValue("binding", "push")
		binding, ok := mep.BindingFromShortName(bindingName)
		if !ok {
			p.errorf("process %q: unknown MEP binding %q", proc.Name, bindingName)
			continue
		}
		proc.MEPBinding = binding
		if el.SelectAttrValue("mep", "oneway") == "twoway" {
			proc.MEP = mep.TwoWay
		}

		if agreementName := el.SelectAttrValue("agreement", ""); agreementName != "" {
			a, ok := p.agreements[strings.ToLower(agreementName)]
			if !ok {
				p.errorf("process %q references unknown agreement %q", proc.Name, agreementName)
			} else {
				proc.Agreement = a
			}
		}

		proc.InitiatorParty = p.partyRefs(proc.Name, el.SelectElement("initiatorParties"), "initiatorParty")
		proc.ResponderParty = p.partyRefs(proc.Name, el.SelectElement("responderParties"), "responderParty")

		if legsEl := el.SelectElement("legs"); legsEl != nil {
			for _, legEl := range legsEl.SelectElements("leg") {
				name := legEl.SelectAttrValue("name", "")
				leg, ok := p.legs[strings.ToLower(name)]
				if !ok {
					p.errorf("process %q references unknown leg %q", proc.Name, name)
					continue
				}
				proc.Legs = append(proc.Legs, leg)
			}
		}
		if len(proc.Legs) == 0 {
			p.errorf("process %q has no legs", proc.Name)
		}

		cfg.Processes = append(cfg.Processes, proc)
	}
	if len(cfg.Processes) == 0 {
		p.errorf("no processes declared")
	}
}

func (p *parser) partyRefs(procName string, parent *etree.Element, tag string) []*Party {
	if parent == nil {
		return nil
	}
	var result []*Party
	for _, el := range parent.SelectElements(tag) {
		name := el.SelectAttrValue("name", "")
		party, ok := p.parties[strings.ToLower(name)]
		if !ok {
			p.errorf("process %q references unknown party %q", procName, name)
			continue
		}
		result = append(result, party)
	}
	return result
}

func (p *parser) lookupService(legName, name string) *Service {
	s, ok := p.services[strings.ToLower(name)]
	if !ok {
		p.errorf("leg %q references unknown service %q", legName, name)
		return nil
	}
	return s
}

func (p *parser) lookupAction(legName, name string) *Action {
	a, ok := p.actions[strings.ToLower(name)]
	if !ok {
		p.errorf("leg %q references unknown action %q", legName, name)
		return nil
	}
	return a
}

func (p *parser) lookupMpc(legName, name string) *Mpc {
	if name == "" {
		// fall back to the default MPC
		for _, m := range p.mpcs {
			if m.Default {
				return m
			}
		}
		p.errorf("leg %q has no defaultMpc and no default MPC is declared", legName)
		return nil
	}
	m, ok := p.mpcs[strings.ToLower(name)]
	if !ok {
		p.errorf("leg %q references unknown mpc %q", legName, name)
		return nil
	}
	return m
}

// lint emits non-fatal warnings for structural oddities that do not
// prevent the configuration from being used.
func (p *parser) lint(cfg *Configuration) {
	referenced := make(map[*Party]bool)
	usedLegs := make(map[*LegConfiguration]bool)
	for _, proc := range cfg.Processes {
		for _, party := range proc.InitiatorParty {
			referenced[party] = true
		}
		for _, party := range proc.ResponderParty {
			referenced[party] = true
		}
		for _, leg := range proc.Legs {
			usedLegs[leg] = true
		}
	}
	for _, party := range cfg.Parties {
		if !referenced[party] && party != cfg.Party {
			p.warnf("party %q is not referenced by any process", party.Name)
		}
	}
	for _, leg := range cfg.Legs {
		if !usedLegs[leg] {
			p.warnf("legConfiguration %q is not used by any process", leg.Name)
		}
		if leg.ReceptionAwareness == nil {
			p.warnf("legConfiguration %q has no reception awareness; deliveries will not be retried", leg.Name)
		}
		if leg.DefaultMpc != nil && !leg.DefaultMpc.Enabled {
			p.warnf("legConfiguration %q uses disabled mpc %q", leg.Name, leg.DefaultMpc.Name)
		}
	}
}

func (p *parser) boolAttr(el *etree.Element, name string, fallback bool) bool {
	v := el.SelectAttrValue(name, "")
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errorf("invalid boolean %q for attribute %s", v, name)
		return fallback
	}
	return b
}

func (p *parser) intAttr(el *etree.Element, name string, fallback int) int {
	v := el.SelectAttrValue(name, "")
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errorf("invalid integer %q for attribute %s", v, name)
		return fallback
	}
	return n
}
