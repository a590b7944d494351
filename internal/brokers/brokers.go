// Package brokers queries a BDII LDAP directory for the STOMP message
// brokers that belong to a named network.
package brokers

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// GlueServiceType values for the two broker flavours published in the BDII.
const (
	StompService    = "msg.broker.stomp"
	StompSSLService = "msg.broker.stomp-ssl"
)

const (
	stompPrefix    = "stomp"
	stompSSLPrefix = "stomp+ssl"
)

const (
	baseDN              = "o=grid"
	serviceIDKey        = "GlueServiceUniqueID"
	endpointKey         = "GlueServiceEndpoint"
	serviceDataValueKey = "GlueServiceDataValue"
)

// Broker is one (host, port) endpoint.
type Broker struct {
	Host string
	Port int
}

func (b Broker) String() string {
	return fmt.Sprintf("%s:%d", b.Host, b.Port)
}

// StompBrokerGetter looks up brokers in a BDII.
type StompBrokerGetter struct {
	conn ldapSearcher
}

// ldapSearcher is the slice of *ldap.Conn this package uses; tests swap in
// a fake.
type ldapSearcher interface {
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	Close() error
}

// NewStompBrokerGetter connects to the BDII at the given LDAP URL.
func NewStompBrokerGetter(bdiiURL string) (*StompBrokerGetter, error) {
	conn, err := ldap.DialURL(bdiiURL)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to BDII %s: %w", bdiiURL, err)
	}
	return &StompBrokerGetter{conn: conn}, nil
}

// Close releases the LDAP connection.
func (g *StompBrokerGetter) Close() error {
	return g.conn.Close()
}

// BrokerURLs returns the endpoint URLs of every broker of the given
// service type that belongs to the network.
func (g *StompBrokerGetter) BrokerURLs(serviceType, network string) ([]string, error) {
	details, err := g.brokerDetails(serviceType)
	if err != nil {
		return nil, err
	}

	var urls []string
	for _, d := range details {
		ok, err := g.brokerInNetwork(d.id, network)
		if err != nil {
			return nil, err
		}
		if ok {
			urls = append(urls, d.url)
		}
	}
	return urls, nil
}

// BrokerHostsAndPorts returns the brokers of the given service type in the
// network as (host, port) pairs, skipping any with unparseable endpoints.
func (g *StompBrokerGetter) BrokerHostsAndPorts(serviceType, network string) ([]Broker, error) {
	urls, err := g.BrokerURLs(serviceType, network)
	if err != nil {
		return nil, err
	}
	brokers := make([]Broker, 0, len(urls))
	for _, u := range urls {
		b, err := ParseStompURL(u)
		if err != nil {
			continue
		}
		brokers = append(brokers, b)
	}
	return brokers, nil
}

type brokerDetail struct {
	id  string
	url string
}

func (g *StompBrokerGetter) brokerDetails(serviceType string) ([]brokerDetail, error) {
	filter := fmt.Sprintf("(&(objectClass=GlueService)(GlueServiceType=%s))",
		ldap.EscapeFilter(serviceType))
	req := ldap.NewSearchRequest(baseDN, ldap.ScopeWholeSubtree, ldap.NeverDerefAliases,
		0, 0, false, filter, []string{serviceIDKey, endpointKey}, nil)

	res, err := g.conn.Search(req)
	if err != nil {
		return nil, fmt.Errorf("BDII broker search failed: %w", err)
	}

	var details []brokerDetail
	for _, entry := range res.Entries {
		id := entry.GetAttributeValue(serviceIDKey)
		url := entry.GetAttributeValue(endpointKey)
		if id == "" || url == "" {
			continue
		}
		details = append(details, brokerDetail{id: id, url: url})
	}
	return details, nil
}

func (g *StompBrokerGetter) brokerInNetwork(brokerID, network string) (bool, error) {
	filter := fmt.Sprintf("(&(GlueServiceDataKey=cluster)(GlueChunkKey=GlueServiceUniqueID=%s))",
		ldap.EscapeFilter(brokerID))
	req := ldap.NewSearchRequest(baseDN, ldap.ScopeWholeSubtree, ldap.NeverDerefAliases,
		0, 0, false, filter, []string{serviceDataValueKey}, nil)

	res, err := g.conn.Search(req)
	if err != nil {
		return false, fmt.Errorf("BDII network search failed: %w", err)
	}
	if len(res.Entries) == 0 {
		return false, nil
	}
	for _, value := range res.Entries[0].GetAttributeValues(serviceDataValueKey) {
		if value == network {
			return true, nil
		}
	}
	return false, nil
}

// ParseStompURL splits a URL of the form stomp://host:port/ into a Broker.
func ParseStompURL(stompURL string) (Broker, error) {
	parts := strings.Split(stompURL, ":")
	if len(parts) != 3 {
		return Broker{}, fmt.Errorf("URL %s is not of the form stomp://host:port/", stompURL)
	}
	scheme := strings.ToLower(parts[0])
	if scheme != stompPrefix && scheme != stompSSLPrefix {
		return Broker{}, fmt.Errorf("URL %s does not begin 'stomp:'", stompURL)
	}
	host := strings.Trim(parts[1], "/")
	port, err := strconv.Atoi(strings.Trim(parts[2], "/"))
	if err != nil {
		return Broker{}, fmt.Errorf("URL %s does not have an integer port: %w", stompURL, err)
	}
	return Broker{Host: host, Port: port}, nil
}
